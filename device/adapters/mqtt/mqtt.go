// Package mqtt publishes the gateway's telemetry as an MQTT metrics
// message (spec.md §6). It is a thin, publish-only projection over the
// live-data events on bus.TopicLiveData: it owns no device state of its own.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tinybms/gateway/core/bus"
	"github.com/tinybms/gateway/core/model"
)

// DefaultTopicSuffix makes the topic "<device>/metrics" unless overridden.
const DefaultTopicSuffix = "metrics"

// DefaultPublishIntervalMs is the default cadence (spec.md §6: "default
// 1000, 0 = every update"). New does not substitute it for a zero
// Config.PublishIntervalMs, which means publish on every update.
const DefaultPublishIntervalMs = 1000

// KeepIntervalSentinel is the "keep the current interval" value recognised
// by SetOptions (spec.md §6: "publish_interval_ms: u32 (or sentinel
// max-value meaning keep)").
const KeepIntervalSentinel = math.MaxUint32

// Config holds the configuration for the MQTT metrics publisher.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// Device names this gateway instance; the publisher topic defaults to
	// "<Device>/metrics".
	Device string
	// Topic overrides the default "<Device>/metrics" topic entirely.
	Topic string

	// PublishIntervalMs is the minimum spacing between publications.
	// 0 means publish on every update; New applies no default.
	PublishIntervalMs uint32
	// QoS is clamped to [0,2] (spec.md §6).
	QoS byte
	// Retain sets the MQTT retain flag on every publish.
	Retain bool

	// Bus is subscribed on bus.TopicLiveData to drive publications.
	Bus *bus.Bus

	Logger *slog.Logger
}

// Publisher projects live-data updates into MQTT metrics messages
// (spec.md §6) at a configurable, reconfigurable cadence.
type Publisher struct {
	cfg    Config
	log    *slog.Logger
	client paho.Client

	topic string

	intervalMs atomic.Uint32
	qos        atomic.Int32
	retain     atomic.Bool

	mu       sync.Mutex
	lastSent time.Time

	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Publisher. It does not connect until Start is called.
// cfg.PublishIntervalMs of 0 is a valid, meaningful value (publish on
// every update); callers who want the default cadence pass
// DefaultPublishIntervalMs explicitly.
func New(cfg Config) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = cfg.Device + "/" + DefaultTopicSuffix
	}

	p := &Publisher{
		cfg:   cfg,
		log:   logger.WithGroup("mqtt"),
		topic: topic,
	}
	p.intervalMs.Store(cfg.PublishIntervalMs)
	p.qos.Store(int32(clampQoS(cfg.QoS)))
	p.retain.Store(cfg.Retain)
	return p
}

func clampQoS(qos byte) byte {
	if qos > 2 {
		return 2
	}
	return qos
}

// Start connects to the MQTT broker and begins publishing metrics derived
// from every bus.TopicLiveData event.
func (p *Publisher) Start(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if p.cfg.Bus == nil {
		return errors.New("bus is required")
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "tinybms-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnected).
		SetConnectionLostHandler(p.onConnectionLost)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
	}
	if p.cfg.Password != "" {
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	p.sub = p.cfg.Bus.Subscribe(bus.TopicLiveData)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	return nil
}

// Stop unsubscribes and disconnects from the broker.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
	if p.client != nil {
		p.client.Disconnect(1000)
	}
}

// SetOptions applies a runtime configuration update (spec.md §6:
// "Configuration options recognised (MQTT publisher)"). intervalMs ==
// KeepIntervalSentinel leaves the current interval unchanged.
func (p *Publisher) SetOptions(intervalMs uint32, qos byte, retain bool) {
	if intervalMs != KeepIntervalSentinel {
		p.intervalMs.Store(intervalMs)
	}
	p.qos.Store(int32(clampQoS(qos)))
	p.retain.Store(retain)
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-p.sub.C:
			if !ok {
				return
			}
			ld, ok := v.(*model.LiveData)
			if !ok {
				continue
			}
			p.maybePublish(ld)
		}
	}
}

func (p *Publisher) maybePublish(ld *model.LiveData) {
	interval := time.Duration(p.intervalMs.Load()) * time.Millisecond

	p.mu.Lock()
	due := interval == 0 || time.Since(p.lastSent) >= interval
	if due {
		p.lastSent = time.Now()
	}
	p.mu.Unlock()
	if !due {
		return
	}

	msg := BuildMetricsMessage(ld)
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("failed to marshal metrics message", "error", err)
		return
	}

	token := p.client.Publish(p.topic, byte(p.qos.Load()), p.retain.Load(), payload)
	if !token.WaitTimeout(5 * time.Second) {
		p.log.Warn("timeout publishing metrics", "topic", p.topic)
		return
	}
	if err := token.Error(); err != nil {
		p.log.Warn("failed to publish metrics", "topic", p.topic, "error", err)
		return
	}

	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(bus.TopicMQTTMetrics, msg)
	}
}

func (p *Publisher) onConnected(_ paho.Client) {
	p.log.Info("connected to MQTT broker", "broker", p.cfg.Broker, "topic", p.topic)
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.log.Error("MQTT connection lost", "error", err)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
