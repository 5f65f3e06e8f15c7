package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentmux-dev/agentmux/internal/logger"
)

// Subject prefix for relayed events.
// Format: agentmux.<domain>.<action>, e.g. "agentmux.session.created".
const subjectPrefix = "agentmux."

// RelayConfig holds NATS connection settings for the event relay.
type RelayConfig struct {
	URL      string
	User     string
	Password string
}

// Relay mirrors committed bus events to NATS so external consumers (stats,
// audit trails) can tap the stream without a connection to this process.
//
// The relay is best-effort: publish failures are logged and dropped, and the
// core's ordering guarantees do not extend past the bus. If NATS is not
// configured the relay is disabled and Attach is a no-op.
type Relay struct {
	conn        *nats.Conn
	enabled     bool
	unsubscribe func()
}

// NewRelay connects to NATS. An empty URL returns a disabled relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.URL == "" {
		logger.Bus().Info().Msg("NATS_URL not configured, event relay disabled")
		return &Relay{enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("agentmux-api-relay"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Bus().Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Bus().Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	logger.Bus().Info().Str("url", cfg.URL).Msg("Event relay connected to NATS")
	return &Relay{conn: conn, enabled: true}, nil
}

// Attach subscribes the relay to the bus. Disabled relays do nothing.
func (r *Relay) Attach(bus *Bus) {
	if !r.enabled {
		return
	}
	r.unsubscribe = bus.Subscribe(r.publish)
}

func (r *Relay) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Bus().Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal relay event")
		return
	}
	if err := r.conn.Publish(subjectPrefix+string(event.Type), data); err != nil {
		logger.Bus().Warn().Err(err).Str("event", string(event.Type)).Msg("Failed to relay event")
	}
}

// Close detaches from the bus and drains the NATS connection.
func (r *Relay) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	if r.conn != nil {
		if err := r.conn.Drain(); err != nil {
			r.conn.Close()
		}
	}
}

// Enabled reports whether the relay is publishing to NATS.
func (r *Relay) Enabled() bool {
	return r.enabled
}
