package homeassistant

import (
	"encoding/json"
	"fmt"

	"github.com/vermut/amc2mqtt/internal/amc"
	"github.com/vermut/amc2mqtt/internal/config"
	"github.com/vermut/amc2mqtt/internal/log"
	"github.com/vermut/amc2mqtt/internal/mqtt"
	"github.com/vermut/amc2mqtt/internal/panel"
	"github.com/vermut/amc2mqtt/internal/util"
)

// armStateTemplate maps the driver's derived arm states onto the values
// Home Assistant's alarm_control_panel component understands.
const armStateTemplate = "{% set states = {'Disarmed': 'disarmed', 'Arming': 'arming', 'ArmingWithProblem': 'arming', 'Armed': 'armed_away', 'Triggered': 'triggered'} %}{{ states[value_json.status] }}"

type HomeAssistant struct {
	config *config.HomeAssistantConfig
	mqtt   MQTTClient
	panel  *panel.Panel
	log    *log.Logger
}

type MQTTClient interface {
	GetPrefix() string
	Topics() *mqtt.Topics
	Publish(topic string, payload interface{}, retain bool)
}

func New(cfg *config.HomeAssistantConfig, mqttClient MQTTClient, p *panel.Panel, logger *log.Logger) *HomeAssistant {
	return &HomeAssistant{
		config: cfg,
		mqtt:   mqttClient,
		panel:  p,
		log:    logger,
	}
}

func (ha *HomeAssistant) Start() {
	ha.log.Info("Starting Home Assistant integration")
	ha.publishDiscoveryConfig()
}

func (ha *HomeAssistant) publishDiscoveryConfig() {
	ha.publishCentralConfig()

	for _, group := range ha.panel.Groups() {
		ha.publishAlarmPanelConfig("group", group)
	}
	for _, area := range ha.panel.Areas() {
		ha.publishAlarmPanelConfig("area", area)
	}
	for _, zone := range ha.panel.Zones() {
		ha.publishZoneConfig(zone)
	}
	for _, output := range ha.panel.Outputs() {
		ha.publishOutputConfig(output)
	}
	for _, status := range ha.panel.SystemStatuses() {
		ha.publishSystemStatusConfig(status)
	}
}

func (ha *HomeAssistant) device() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{ha.panel.CentralID()},
		"name":         ha.panel.RealName(),
		"manufacturer": "AMC Elettronica",
		"model":        ha.panel.Model(),
		"sw_version":   ha.panel.Version(),
	}
}

func (ha *HomeAssistant) publishCentralConfig() {
	// the status topic carries JSON-marshaled strings, so the on/off
	// payloads include the quotes
	config := map[string]interface{}{
		"name":         ha.panel.RealName(),
		"unique_id":    fmt.Sprintf("%s_central", ha.mqtt.GetPrefix()),
		"state_topic":  ha.mqtt.Topics().Status(),
		"payload_on":   `"online"`,
		"payload_off":  `"offline"`,
		"device_class": "connectivity",
		"device":       ha.device(),
	}

	ha.publishConfig("binary_sensor", "central", config)
}

func (ha *HomeAssistant) publishAlarmPanelConfig(kind string, e amc.Entry) {
	objectID := fmt.Sprintf("%s_%s", kind, util.Slugify(e.Name))
	config := map[string]interface{}{
		"name":                 e.Name,
		"unique_id":            fmt.Sprintf("%s_%s", ha.mqtt.GetPrefix(), objectID),
		"state_topic":          ha.topicFor(kind, e),
		"command_topic":        ha.commandTopicFor(kind, e),
		"payload_disarm":       "disarm",
		"payload_arm_away":     "arm",
		"code_arm_required":    false,
		"code_disarm_required": false,
		"value_template":       armStateTemplate,
		"device":               ha.device(),
	}

	ha.publishConfig("alarm_control_panel", objectID, config)
}

func (ha *HomeAssistant) publishZoneConfig(zone amc.Entry) {
	objectID := fmt.Sprintf("zone_%s", util.Slugify(zone.Name))
	config := map[string]interface{}{
		"name":           zone.Name,
		"unique_id":      fmt.Sprintf("%s_%s", ha.mqtt.GetPrefix(), objectID),
		"state_topic":    ha.mqtt.Topics().Zone(zone),
		"device_class":   getDeviceClass(zone),
		"value_template": "{{ 'ON' if value_json.opened else 'OFF' }}",
		"device":         ha.device(),
	}

	ha.publishConfig("binary_sensor", objectID, config)
}

func (ha *HomeAssistant) publishOutputConfig(output amc.Entry) {
	objectID := fmt.Sprintf("output_%s", util.Slugify(output.Name))
	config := map[string]interface{}{
		"name":           output.Name,
		"unique_id":      fmt.Sprintf("%s_%s", ha.mqtt.GetPrefix(), objectID),
		"state_topic":    ha.mqtt.Topics().Output(output),
		"command_topic":  ha.mqtt.Topics().OutputCommand(output),
		"payload_on":     "on",
		"payload_off":    "off",
		"state_on":       "ON",
		"state_off":      "OFF",
		"value_template": "{{ 'ON' if value_json.on else 'OFF' }}",
		"device":         ha.device(),
	}

	ha.publishConfig("switch", objectID, config)
}

func (ha *HomeAssistant) publishSystemStatusConfig(status amc.Entry) {
	objectID := fmt.Sprintf("system_%s", util.Slugify(status.Name))
	config := map[string]interface{}{
		"name":            status.Name,
		"unique_id":       fmt.Sprintf("%s_%s", ha.mqtt.GetPrefix(), objectID),
		"state_topic":     ha.mqtt.Topics().SystemStatus(status),
		"device_class":    "problem",
		"value_template":  "{{ 'ON' if value_json.anomaly else 'OFF' }}",
		"entity_category": "diagnostic",
		"device":          ha.device(),
	}

	ha.publishConfig("binary_sensor", objectID, config)
}

func (ha *HomeAssistant) topicFor(kind string, e amc.Entry) string {
	if kind == "group" {
		return ha.mqtt.Topics().Group(e)
	}
	return ha.mqtt.Topics().Area(e)
}

func (ha *HomeAssistant) commandTopicFor(kind string, e amc.Entry) string {
	if kind == "group" {
		return ha.mqtt.Topics().GroupCommand(e)
	}
	return ha.mqtt.Topics().AreaCommand(e)
}

func (ha *HomeAssistant) publishConfig(component, objectID string, config map[string]interface{}) {
	topic := fmt.Sprintf("%s/%s/%s/%s/config", ha.config.Prefix, component, ha.mqtt.GetPrefix(), objectID)

	payload, err := json.Marshal(config)
	if err != nil {
		ha.log.Error("Failed to marshal Home Assistant config: %v", err)
		return
	}

	// Publish marshals once more, so the config reaches the broker as a
	// JSON-quoted string rather than a bare object
	ha.mqtt.Publish(topic, string(payload), true)
}
