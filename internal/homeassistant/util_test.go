package homeassistant

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vermut/amc2mqtt/internal/amc"
)

func TestGetDeviceClass(t *testing.T) {
	for _, tt := range []struct {
		name string
		want string
	}{
		{"PIR Soggiorno", "motion"},
		{"Volumetrico Cucina", "motion"},
		{"Porta Ingresso", "door"},
		{"Front Door", "door"},
		{"Finestra Camera", "window"},
		{"Rilevatore Fumo", "smoke"},
		{"Gas Cucina", "gas"},
		{"Allagamento Bagno", "moisture"},
		{"Tamper Sirena", "tamper"},
		{"Zona 12", "motion"},
	} {
		require.Equal(t, tt.want, getDeviceClass(amc.Entry{Name: tt.name}), "name=%q", tt.name)
	}
}
