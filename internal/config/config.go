package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	AMC           AMCConfig           `yaml:"amc"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Log           string              `yaml:"log"`
	Cache         bool                `yaml:"cache"`
}

type AMCConfig struct {
	URL             string `yaml:"url"`
	Email           string `yaml:"email"`
	Password        string `yaml:"password"`
	CentralID       string `yaml:"central_id"`
	CentralUsername string `yaml:"central_username"`
	CentralPassword string `yaml:"central_password"`
	// UserIndex selects the central user whose PIN is used for MQTT
	// arm/disarm commands that carry none. Negative disables it.
	UserIndex     int `yaml:"user_index"`
	QueryInterval int `yaml:"query_interval"`
}

type MQTTConfig struct {
	ClientID  string `yaml:"client_id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Keepalive int    `yaml:"keepalive"`
	Password  string `yaml:"password"`
	QOS       int    `yaml:"qos"`
	Retain    bool   `yaml:"retain"`
	Username  string `yaml:"username"`
	Prefix    string `yaml:"prefix"`
	Clean     bool   `yaml:"clean"`
}

type HomeAssistantConfig struct {
	Discovery bool   `yaml:"discovery"`
	Prefix    string `yaml:"prefix"`
}

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	// Set default values
	if config.MQTT.Host == "" {
		config.MQTT.Host = "localhost"
	}
	if config.MQTT.Port == 0 {
		config.MQTT.Port = 1883
	}
	if config.MQTT.Keepalive == 0 {
		config.MQTT.Keepalive = 60
	}
	if config.MQTT.Prefix == "" {
		config.MQTT.Prefix = "amc2mqtt"
	}
	if config.HomeAssistant.Prefix == "" {
		config.HomeAssistant.Prefix = "homeassistant"
	}
	if config.Log == "" {
		config.Log = "info"
	}
	if config.AMC.QueryInterval == 0 {
		config.AMC.QueryInterval = 30
	}
	if config.AMC.UserIndex == 0 {
		config.AMC.UserIndex = -1
	}

	if config.AMC.Email == "" || config.AMC.Password == "" {
		return nil, fmt.Errorf("amc email and password are required")
	}
	if config.AMC.CentralID == "" {
		return nil, fmt.Errorf("amc central_id is required")
	}

	return &config, nil
}
