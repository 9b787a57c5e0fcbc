package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lowaak/esp32-console/internal/console"
	"github.com/lowaak/esp32-console/internal/go_func_utils"
)

const (
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250
	unknownDevice     = "unknown"
)

var ErrNotConnected = errors.New("mqtt: not connected")

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Source is what the publisher follows, normally a *console.Session.
type Source interface {
	SubscribeTelemetry(ctx context.Context) <-chan console.TelemetryRecord
	SubscribeState(ctx context.Context) <-chan console.SessionStatus
}

type Options struct {
	Broker    string
	Username  string
	Password  string
	ClientID  string
	RootTopic string
}

// StatusPayload is published, retained, on <root>/<device>/status.
type StatusPayload struct {
	State     string    `json:"state"`
	Device    string    `json:"device"`
	Address   string    `json:"address,omitempty"`
	LinkLost  bool      `json:"link_lost"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher republishes session telemetry and state to an MQTT broker.
type Publisher struct {
	client    Client
	rootTopic string
	logger    *log.Logger

	mu     sync.Mutex
	device string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a paho client for opts. Connect before Start.
func NewPublisher(opts Options, logger *log.Logger) *Publisher {
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetOrderMatters(false)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("MQTT: connection lost: %v", err)
	})
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Printf("MQTT: connected to %s", opts.Broker)
	})
	return newPublisher(mqtt.NewClient(clientOpts), opts.RootTopic, logger)
}

func newPublisher(client Client, rootTopic string, logger *log.Logger) *Publisher {
	if logger == nil {
		panic("Publisher: logger cannot be nil")
	}
	if client == nil {
		panic("Publisher: client cannot be nil")
	}
	return &Publisher{
		client:    client,
		rootTopic: strings.TrimSuffix(rootTopic, "/"),
		logger:    logger,
	}
}

// Connect waits for the first broker connection or ctx.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.client.IsConnected() {
		return nil
	}
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect MQTT: %w", err)
	}
	return nil
}

// Start follows source until Stop.
func (p *Publisher) Start(source Source) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	states := source.SubscribeState(ctx)
	telemetry := source.SubscribeTelemetry(ctx)
	go_func_utils.GoTracked(p.logger, &p.wg, func() { p.run(ctx, states, telemetry) })
}

func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
	}
}

func (p *Publisher) run(ctx context.Context, states <-chan console.SessionStatus, telemetry <-chan console.TelemetryRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-states:
			if !ok {
				return
			}
			if err := p.PublishStatus(status); err != nil {
				p.logger.Printf("MQTT: publish status: %v", err)
			}
		case record, ok := <-telemetry:
			if !ok {
				return
			}
			if err := p.PublishTelemetry(record); err != nil {
				p.logger.Printf("MQTT: publish telemetry: %v", err)
			}
		}
	}
}

// PublishStatus publishes the session state, retained, under the device it
// names. Disconnected states keep the last device so the retained message
// replaces the connected one.
func (p *Publisher) PublishStatus(status console.SessionStatus) error {
	p.mu.Lock()
	if status.DeviceName != "" {
		p.device = status.DeviceName
	}
	device := p.device
	p.mu.Unlock()

	payload, err := json.Marshal(StatusPayload{
		State:     status.State.String(),
		Device:    device,
		Address:   status.Address,
		LinkLost:  status.LinkLost,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return p.publish(p.Topic(device, "status"), true, payload)
}

// PublishTelemetry forwards the notification JSON as received.
func (p *Publisher) PublishTelemetry(record console.TelemetryRecord) error {
	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	return p.publish(p.Topic(device, "telemetry"), false, []byte(record.Raw))
}

// Topic builds <root>/<device>/<leaf>. MQTT wildcards and separators in the
// device name are replaced.
func (p *Publisher) Topic(device string, leaf string) string {
	if device == "" {
		device = unknownDevice
	}
	device = strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		}
		return r
	}, device)
	if p.rootTopic == "" {
		return device + "/" + leaf
	}
	return p.rootTopic + "/" + device + "/" + leaf
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}
