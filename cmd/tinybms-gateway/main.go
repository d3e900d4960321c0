// Command tinybms-gateway runs the TinyBMS serial gateway: it polls the
// battery management system over UART, republishes live data and raw/
// decoded diagnostic frames on an in-process event bus, persists a
// rolling diagnostic log, and optionally forwards metrics to MQTT and CAN.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinybms/gateway/core/persist"
	"github.com/tinybms/gateway/device/adapters/can"
	"github.com/tinybms/gateway/device/adapters/mqtt"
	"github.com/tinybms/gateway/device/link"
	"github.com/tinybms/gateway/gateway"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	serialPort     = kingpin.Flag("port", "Serial port device the TinyBMS is attached to").Required().String()
	baudRate       = kingpin.Flag("baud", "Serial port baud rate").Default("115200").Int()
	device         = kingpin.Flag("device", "Device name, used as the MQTT topic prefix and in logs").Default("tinybms").String()
	pollInterval   = kingpin.Flag("poll-interval", "Interval between register polls").Default("250ms").Duration()
	commandTimeout = kingpin.Flag("command-timeout", "Timeout for each serial request/response exchange").Default("500ms").Duration()
	dbPath         = kingpin.Flag("db", "Path to the diagnostic log database").Default("tinybms-gateway.db").String()

	mqttBroker   = kingpin.Flag("mqtt-broker", "MQTT broker URL (e.g. tcp://host:1883); omit to disable MQTT publishing").String()
	mqttUsername = kingpin.Flag("mqtt-username", "MQTT username").String()
	mqttPassword = kingpin.Flag("mqtt-password", "MQTT password").String()
	mqttTLS      = kingpin.Flag("mqtt-tls", "Use TLS for the MQTT connection").Bool()
	mqttQoS      = kingpin.Flag("mqtt-qos", "MQTT publish QoS (0, 1, or 2)").Default("0").Uint8()
	mqttRetain   = kingpin.Flag("mqtt-retain", "Set the MQTT retain flag on published metrics").Bool()
	mqttInterval = kingpin.Flag("mqtt-publish-interval", "Minimum interval between MQTT publishes (0 = publish every update)").Default("1s").Duration()

	canInterface = kingpin.Flag("can-interface", "socketcan interface to publish telemetry frames on (e.g. can0); omit to disable CAN publishing").String()
	canInterval  = kingpin.Flag("can-interval", "Interval between CAN telemetry publish cycles").Default("1s").Duration()

	verbose = kingpin.Flag("verbose", "Enable debug-level logging").Bool()
)

func main() {
	kingpin.Version("0.1")
	kingpin.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg := gateway.Config{
		Device: *device,
		Link: link.Config{
			Port:     *serialPort,
			BaudRate: *baudRate,
			Logger:   logger,
		},
		PollInterval:   *pollInterval,
		CommandTimeout: *commandTimeout,
		Persist: persist.Config{
			Path:   *dbPath,
			Logger: logger,
		},
		Logger: logger,
	}

	if *mqttBroker != "" {
		cfg.MQTT = &mqtt.Config{
			Broker:            *mqttBroker,
			Username:          *mqttUsername,
			Password:          *mqttPassword,
			UseTLS:            *mqttTLS,
			Device:            *device,
			PublishIntervalMs: uint32(mqttInterval.Milliseconds()),
			QoS:               *mqttQoS,
			Retain:            *mqttRetain,
		}
	}
	if *canInterface != "" {
		cfg.CAN = &can.Config{
			Interface: *canInterface,
			Interval:  *canInterval,
		}
	}

	gw := gateway.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()

		go func() {
			time.Sleep(5 * time.Second)
			logger.Warn("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		}()
	}()

	if err := gw.Start(ctx); err != nil {
		logger.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	gw.Stop()
}
