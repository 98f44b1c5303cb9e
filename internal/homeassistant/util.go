package homeassistant

import (
	"strings"

	"github.com/vermut/amc2mqtt/internal/amc"
)

// getDeviceClass guesses a Home Assistant device class from the zone name.
// AMC centrals are mostly installed in Italy, so the Italian terms matter
// as much as the English ones.
func getDeviceClass(zone amc.Entry) string {
	name := strings.ToLower(zone.Name)
	if strings.Contains(name, "pir") || strings.Contains(name, "volumetric") || strings.Contains(name, "volumetrico") {
		return "motion"
	}
	if strings.Contains(name, "door") || strings.Contains(name, "porta") || strings.Contains(name, "ingresso") {
		return "door"
	}
	if strings.Contains(name, "window") || strings.Contains(name, "finestra") {
		return "window"
	}
	if strings.Contains(name, "smoke") || strings.Contains(name, "fire") || strings.Contains(name, "fumo") {
		return "smoke"
	}
	if strings.Contains(name, "gas") {
		return "gas"
	}
	if strings.Contains(name, "water") || strings.Contains(name, "allagamento") {
		return "moisture"
	}
	if strings.Contains(name, "tamper") {
		return "tamper"
	}

	return "motion"
}
