package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/tradeoffer/internal/config"
)

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes the
// attached Counters' snapshot to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counters   *Counters
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call Start to begin
// the connection and publish loop. instanceID identifies this process
// to Home Assistant across restarts; a fresh uuid is a fine default if
// the caller has no stable identity to reuse.
func New(cfg config.MQTTConfig, instanceID string, counters *Counters, logger *slog.Logger) *Publisher {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		counters:   counters,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("telemetry: parse broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()
	clientID := p.cfg.ClientID
	if len(p.instanceID) >= 8 {
		clientID = p.cfg.ClientID + "-" + p.instanceID[:8]
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("telemetry connected to broker", "broker", p.cfg.BrokerURL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.publishDiscovery(publishCtx, cm)
			p.publishAvailability(publishCtx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("telemetry connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("telemetry: mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("telemetry initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string      { return "tradeoffer/" + p.cfg.DeviceName }
func (p *Publisher) availabilityTopic() string { return p.baseTopic() + "/availability" }
func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}
func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	mk := func(suffix, name, icon, unit, class, category string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:              name,
				ObjectID:          suffix,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + suffix,
				StateTopic:        p.stateTopic(suffix),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              icon,
				UnitOfMeasurement: unit,
				StateClass:        class,
				EntityCategory:    category,
			},
		}
	}
	return []sensorDef{
		mk("poll_success_total", "Poll Successes", "mdi:check-circle-outline", "", "total_increasing", "diagnostic"),
		mk("poll_failure_total", "Poll Failures", "mdi:alert-circle-outline", "", "total_increasing", "diagnostic"),
		mk("active_sent_offers", "Active Sent Offers", "mdi:swap-horizontal", "offers", "measurement", ""),
		mk("new_offers_total", "New Offers Seen", "mdi:tray-arrow-down", "", "total_increasing", ""),
		mk("auto_canceled_total", "Auto-Canceled Offers", "mdi:cancel", "", "total_increasing", "diagnostic"),
		mk("last_poll_age", "Last Poll", "mdi:clock-outline", "", "", "diagnostic"),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("telemetry marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("telemetry discovery publish failed", "entity", s.entitySuffix, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: p.availabilityTopic(), Payload: []byte(status), QoS: 1, Retain: true}); err != nil {
		p.logger.Warn("telemetry availability publish failed", "status", status, "error", err)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	const minInterval = 5 * time.Second
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = minInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil || p.counters == nil {
		return
	}
	snap := p.counters.Snapshot()

	lastPollAge := "never"
	if !snap.LastPollSuccess.IsZero() || !snap.LastPollFailure.IsZero() {
		last := snap.LastPollSuccess
		if snap.LastPollFailure.After(last) {
			last = snap.LastPollFailure
		}
		lastPollAge = humanize.Time(last)
	}

	states := map[string]string{
		"poll_success_total":  strconv.FormatInt(snap.PollSuccess, 10),
		"poll_failure_total":  strconv.FormatInt(snap.PollFailure, 10),
		"active_sent_offers":  strconv.Itoa(snap.ActiveSent),
		"new_offers_total":    strconv.FormatInt(snap.NewOffers, 10),
		"auto_canceled_total": strconv.FormatInt(snap.AutoCanceled, 10),
		"last_poll_age":       lastPollAge,
	}

	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{Topic: p.stateTopic(entity), Payload: []byte(value), QoS: 0, Retain: true}); err != nil {
			p.logger.Debug("telemetry state publish failed", "entity", entity, "error", err)
		}
	}
}
