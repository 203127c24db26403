package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// inboundEvent is the wire shape accepted on the event subjects.
type inboundEvent struct {
	Name           string         `json:"event_name"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// IngressConfig configures the NATS event ingress.
type IngressConfig struct {
	URL        string
	StreamName string
	Subjects   []string
	Consumer   string
}

// DefaultIngressConfig returns sensible defaults.
func DefaultIngressConfig() *IngressConfig {
	return &IngressConfig{
		URL:        nats.DefaultURL,
		StreamName: "AUTOMATION_EVENTS",
		Subjects:   []string{"events.>"},
		Consumer:   "automation-engine",
	}
}

// Ingress consumes events from a JetStream work queue and feeds them
// into the processor. Messages are acked only after the publish is
// durably recorded; schema rejections are acked too, since redelivery
// cannot fix a malformed payload.
type Ingress struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	cfg      *IngressConfig
	proc     *Processor
	logger   *slog.Logger
	consumer jetstream.ConsumeContext
}

// NewIngress connects to NATS and ensures the event stream exists.
func NewIngress(ctx context.Context, proc *Processor, cfg *IngressConfig, logger *slog.Logger) (*Ingress, error) {
	if cfg == nil {
		cfg = DefaultIngressConfig()
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}

	return &Ingress{nc: nc, js: js, cfg: cfg, proc: proc, logger: logger}, nil
}

// Start creates the durable consumer and begins delivering messages.
func (i *Ingress) Start(ctx context.Context) error {
	stream, err := i.js.Stream(ctx, i.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("lookup stream %s: %w", i.cfg.StreamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       i.cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 64,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", i.cfg.Consumer, err)
	}

	cc, err := consumer.Consume(i.handle)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	i.consumer = cc
	i.logger.Info("event ingress started",
		"stream", i.cfg.StreamName,
		"consumer", i.cfg.Consumer,
		"subjects", i.cfg.Subjects)
	return nil
}

func (i *Ingress) handle(msg jetstream.Msg) {
	var in inboundEvent
	if err := json.Unmarshal(msg.Data(), &in); err != nil {
		i.logger.Warn("drop undecodable event message",
			"subject", msg.Subject(),
			"error", err)
		_ = msg.Ack()
		return
	}
	if in.Name == "" {
		// Fall back to the subject tail: events.<name>.
		in.Name = subjectTail(msg.Subject())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := i.proc.Publish(ctx, in.Name, in.Payload, in.IdempotencyKey)
	switch {
	case err == nil:
		_ = msg.Ack()
	case isPermanent(err):
		i.logger.Warn("drop rejected event message",
			"subject", msg.Subject(),
			"event_name", in.Name,
			"error", err)
		_ = msg.Ack()
	default:
		i.logger.Error("event publish failed, redelivering",
			"subject", msg.Subject(),
			"event_name", in.Name,
			"error", err)
		_ = msg.Nak()
	}
}

// isPermanent reports whether redelivery cannot succeed.
func isPermanent(err error) bool {
	return errors.Is(err, ErrUnknownEvent) || errors.Is(err, ErrPayloadInvalid)
}

// Close stops consumption and drains the connection.
func (i *Ingress) Close() error {
	if i.consumer != nil {
		i.consumer.Stop()
	}
	if i.nc != nil && !i.nc.IsClosed() {
		return i.nc.Drain()
	}
	return nil
}

func subjectTail(subject string) string {
	for idx := len(subject) - 1; idx >= 0; idx-- {
		if subject[idx] == '.' {
			return subject[idx+1:]
		}
	}
	return subject
}
