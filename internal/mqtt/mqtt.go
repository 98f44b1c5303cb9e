package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/vermut/amc2mqtt/internal/amc"
	"github.com/vermut/amc2mqtt/internal/config"
	"github.com/vermut/amc2mqtt/internal/log"
	"github.com/vermut/amc2mqtt/internal/panel"
)

const (
	offlinePayload = "offline"
	onlinePayload  = "online"

	commandTimeout = 60 * time.Second
)

type MQTT struct {
	config *config.MQTTConfig
	panel  *panel.Panel
	log    *log.Logger
	client mqtt.Client
	topics *Topics
}

func NewMQTT(cfg *config.MQTTConfig, p *panel.Panel, logger *log.Logger) *MQTT {
	return &MQTT{
		config: cfg,
		panel:  p,
		log:    logger,
		topics: NewTopics(cfg.Prefix),
	}
}

func (m *MQTT) Connect() error {
	clientID := m.config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("amc2mqtt-%s", uuid.NewString()[:8])
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", m.config.Host, m.config.Port))
	opts.SetClientID(clientID)
	opts.SetUsername(m.config.Username)
	opts.SetPassword(m.config.Password)
	opts.SetCleanSession(m.config.Clean)
	opts.SetKeepAlive(time.Duration(m.config.Keepalive) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onDisconnect)

	opts.SetWill(m.topics.Status(), offlinePayload, byte(m.config.QOS), m.config.Retain)

	m.client = mqtt.NewClient(opts)

	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}

	m.log.Info("Connected to MQTT broker: %s:%d", m.config.Host, m.config.Port)
	return nil
}

func (m *MQTT) GetPrefix() string {
	return m.config.Prefix
}

func (m *MQTT) Topics() *Topics {
	return m.topics
}

func (m *MQTT) onConnect(client mqtt.Client) {
	m.log.Info("MQTT connection established")
	m.publishAvailability()
	m.subscribeTopics()
	m.publishCentralConfig()
	m.PublishAll()
}

func (m *MQTT) onDisconnect(client mqtt.Client, err error) {
	m.log.Error("MQTT connection lost: %v", err)
}

func (m *MQTT) subscribeTopics() {
	topics := []string{m.topics.DiagnosticsGet()}
	for _, group := range m.panel.Groups() {
		topics = append(topics, m.topics.GroupCommand(group))
	}
	for _, area := range m.panel.Areas() {
		topics = append(topics, m.topics.AreaCommand(area))
	}
	for _, output := range m.panel.Outputs() {
		topics = append(topics, m.topics.OutputCommand(output))
	}

	for _, topic := range topics {
		token := m.client.Subscribe(topic, byte(m.config.QOS), m.handleMessage)
		if token.Wait() && token.Error() != nil {
			m.log.Error("Failed to subscribe to topic %s: %v", topic, token.Error())
		} else {
			m.log.Debug("Subscribed to topic: %s", topic)
		}
	}
}

func (m *MQTT) handleMessage(client mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := string(msg.Payload())

	m.log.Debug("Received message on topic %s: %s", topic, payload)

	if topic == m.topics.DiagnosticsGet() {
		m.PublishDiagnostics()
		return
	}
	for _, group := range m.panel.Groups() {
		if topic == m.topics.GroupCommand(group) {
			m.handleEntityCommand(group, payload)
			return
		}
	}
	for _, area := range m.panel.Areas() {
		if topic == m.topics.AreaCommand(area) {
			m.handleEntityCommand(area, payload)
			return
		}
	}
	for _, output := range m.panel.Outputs() {
		if topic == m.topics.OutputCommand(output) {
			m.handleEntityCommand(output, payload)
			return
		}
	}
	m.log.Warning("Received message on unknown topic: %s", topic)
}

// handleEntityCommand runs the arm/disarm in its own goroutine: the panel
// waits for the central to confirm the effect, which can take a while.
func (m *MQTT) handleEntityCommand(entry amc.Entry, command string) {
	var state bool
	switch command {
	case "arm", "on":
		state = true
	case "disarm", "off":
		state = false
	default:
		m.log.Warning("Unknown command %q for %s", command, entry.Name)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		var err error
		if state {
			err = m.panel.Arm(ctx, entry.Group, entry.Index)
		} else {
			err = m.panel.Disarm(ctx, entry.Group, entry.Index)
		}
		if err != nil {
			m.log.Error("Command %q for %s failed: %v", command, entry.Name, err)
			return
		}
		m.log.Info("Command %q for %s confirmed", command, entry.Name)
	}()
}

func (m *MQTT) publishAvailability() {
	if m.panel.Available() {
		m.publish(m.topics.Status(), onlinePayload, true)
	} else {
		m.publish(m.topics.Status(), offlinePayload, true)
	}
}

func (m *MQTT) publishCentralConfig() {
	status := map[string]interface{}{
		"central_id":       m.panel.CentralID(),
		"name":             m.panel.RealName(),
		"model":            m.panel.Model(),
		"firmware_version": m.panel.Version(),
	}
	m.publish(m.topics.Config(), status, true)
}

// PublishAll republishes the availability and every entity's state. Wired
// as the panel's update listener.
func (m *MQTT) PublishAll() {
	if m.client == nil || !m.client.IsConnected() {
		return
	}
	m.publishAvailability()
	for _, e := range m.panel.Groups() {
		m.publish(m.topics.Group(e), entityStatus(e), true)
	}
	for _, e := range m.panel.Areas() {
		m.publish(m.topics.Area(e), entityStatus(e), true)
	}
	for _, e := range m.panel.Zones() {
		m.publish(m.topics.Zone(e), entityStatus(e), true)
	}
	for _, e := range m.panel.Outputs() {
		m.publish(m.topics.Output(e), entityStatus(e), true)
	}
	for _, e := range m.panel.SystemStatuses() {
		m.publish(m.topics.SystemStatus(e), systemStatus(e), true)
	}
}

func (m *MQTT) PublishDiagnostics() {
	m.publish(m.topics.Diagnostics(), m.panel.Diagnostics(), false)
}

func entityStatus(e amc.Entry) map[string]interface{} {
	return map[string]interface{}{
		"id":        e.ID,
		"name":      e.Name,
		"filter_id": e.FilterID,
		"status":    e.Arm.String(),
		"on":        e.States.On == 1,
		"opened":    e.States.Opened == 1,
		"anomaly":   e.States.Anomaly == 1,
		"not_ready": e.States.NotReady == 1,
	}
}

func systemStatus(e amc.Entry) map[string]interface{} {
	return map[string]interface{}{
		"index":   e.Index,
		"name":    e.Name,
		"on":      e.States.On == 1,
		"anomaly": e.States.Anomaly == 1,
	}
}

func (m *MQTT) Publish(topic string, payload interface{}, retain bool) {
	m.publish(topic, payload, retain)
}

func (m *MQTT) publish(topic string, message interface{}, retain bool) {
	payload, err := json.Marshal(message)
	if err != nil {
		m.log.Error("Failed to marshal message for topic %s: %v", topic, err)
		return
	}

	token := m.client.Publish(topic, byte(m.config.QOS), retain, payload)
	if token.Wait() && token.Error() != nil {
		m.log.Error("Failed to publish message to topic %s: %v", topic, token.Error())
	} else {
		m.log.Debug("Published message to topic: %s", topic)
	}
}

func (m *MQTT) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.publish(m.topics.Status(), offlinePayload, true)
		m.client.Disconnect(250)
	}
}
