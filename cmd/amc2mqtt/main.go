package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vermut/amc2mqtt/internal/cache"
	"github.com/vermut/amc2mqtt/internal/config"
	"github.com/vermut/amc2mqtt/internal/homeassistant"
	"github.com/vermut/amc2mqtt/internal/log"
	"github.com/vermut/amc2mqtt/internal/mqtt"
	"github.com/vermut/amc2mqtt/internal/panel"
)

func main() {
	configFile := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewLogger(cfg.Log)

	p := panel.NewPanel(cfg, logger)
	mqttClient := mqtt.NewMQTT(&cfg.MQTT, p, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load cache if enabled, so entity topics are known before the first
	// snapshot arrives.
	if cfg.Cache {
		cacheData, err := cache.Load()
		if err != nil {
			logger.Warning("Failed to load cache: %v", err)
		} else if cacheData != nil {
			p.SetCachedData(cacheData)
			logger.Info("Loaded data from cache")
		}
	}

	if err := p.Connect(ctx); err != nil {
		logger.Error("Failed to connect to central: %v", err)
		os.Exit(1)
	}

	if cfg.Cache {
		if err := cache.Save(p.CacheableData()); err != nil {
			logger.Warning("Failed to save cache: %v", err)
		} else {
			logger.Info("Saved data to cache")
		}
	}

	// The broker may not be up yet when we are; retry with backoff rather
	// than dying on the first refused connection.
	connectMQTT := func() error {
		return mqttClient.Connect()
	}
	notify := func(err error, next time.Duration) {
		logger.Warning("MQTT connect failed (retrying in %s): %v", next, err)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10)
	if err := backoff.RetryNotify(connectMQTT, policy, notify); err != nil {
		logger.Error("Failed to connect to MQTT broker: %v", err)
		p.Disconnect()
		os.Exit(1)
	}

	p.OnUpdate(mqttClient.PublishAll)
	p.Start(ctx)

	if cfg.HomeAssistant.Discovery {
		ha := homeassistant.New(&cfg.HomeAssistant, mqttClient, p, logger)
		ha.Start()
	}

	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	mqttClient.Close()
	p.Disconnect()

	if cfg.Cache {
		if err := cache.Delete(); err != nil {
			logger.Warning("Failed to delete cache: %v", err)
		} else {
			logger.Info("Deleted cache")
		}
	}
}
