// Package bus adapts the NATS JetStream message bus into the three named
// streams the Brain relies on: durable commands (work queue), durable events
// and ephemeral data. Consume is at-least-once with explicit ack; publishes
// are deduplicated on envelope id within the stream's dedup window.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/metrics"
	"github.com/titanops/titan-brain/pkg/retry"
)

// Handler processes one decoded envelope. Returning nil acks the message;
// returning an error naks it for redelivery until the delivery budget is
// spent, after which the message is dead-lettered.
type Handler func(env *Envelope) error

// Config holds bus adapter configuration.
type Config struct {
	URL               string
	Producer          string
	PublishTimeout    time.Duration // per-call timeout, default 2s
	PublishMaxRetries int           // default 3
	MaxDeliver        int           // redeliveries before dead-letter, default 5
}

// Adapter is the bus handle passed through the composition root.
type Adapter struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	log        zerolog.Logger
	metrics    *metrics.Registry
	breaker    *gobreaker.CircuitBreaker
	producer   string
	timeout    time.Duration
	policy     retry.Policy
	maxDeliver int
}

// New connects to the bus and prepares the JetStream context. EnsureStreams
// must be called before the first publish.
func New(cfg Config, m *metrics.Registry, log zerolog.Logger) (*Adapter, error) {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.PublishMaxRetries <= 0 {
		cfg.PublishMaxRetries = 3
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Producer),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bus-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.PublishMaxRetries

	return &Adapter{
		nc:         nc,
		js:         js,
		log:        log.With().Str("service", "bus").Logger(),
		metrics:    m,
		breaker:    cb,
		producer:   cfg.Producer,
		timeout:    cfg.PublishTimeout,
		policy:     policy,
		maxDeliver: cfg.MaxDeliver,
	}, nil
}

// Close drains the connection.
func (a *Adapter) Close() {
	if a.nc != nil {
		_ = a.nc.Drain()
	}
}

// Connected reports whether the underlying connection is up.
func (a *Adapter) Connected() bool {
	return a.nc != nil && a.nc.IsConnected()
}

// EnsureStreams creates or updates the three streams with their retention
// contracts.
func (a *Adapter) EnsureStreams() error {
	configs := []*nats.StreamConfig{
		{
			Name:       string(StreamCmd),
			Subjects:   []string{"titan.cmd.>"},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:       string(StreamEvt),
			Subjects:   []string{"titan.evt.>"},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			MaxBytes:   10 << 30, // 10 GiB
			MaxAge:     30 * 24 * time.Hour,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:      string(StreamData),
			Subjects:  []string{"titan.data.>"},
			Storage:   nats.MemoryStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    15 * time.Minute,
		},
		{
			Name:      "TITAN_DLQ",
			Subjects:  []string{"titan.dlq.>"},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
		},
	}

	for _, sc := range configs {
		if _, err := a.js.AddStream(sc); err != nil {
			if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				return fmt.Errorf("failed to ensure stream %s: %w", sc.Name, err)
			}
			if _, err := a.js.UpdateStream(sc); err != nil {
				return fmt.Errorf("failed to update stream %s: %w", sc.Name, err)
			}
		}
		a.log.Info().Str("stream", sc.Name).Msg("Stream ready")
	}

	return nil
}

// Publish wraps payload in an envelope and publishes it on subject. The
// stream is selected by prefix; subjects outside the namespace are rejected.
func (a *Adapter) Publish(ctx context.Context, subject, msgType string, payload interface{}) (*Envelope, error) {
	env, err := NewEnvelope(msgType, a.producer, payload)
	if err != nil {
		return nil, err
	}
	if err := a.PublishEnvelope(ctx, subject, env); err != nil {
		return nil, err
	}
	return env, nil
}

// PublishEnvelope publishes a pre-built envelope with retry, backoff and a
// transport circuit breaker. After the retry budget is spent the error is
// surfaced as TRANSIENT_BUS.
func (a *Adapter) PublishEnvelope(ctx context.Context, subject string, env *Envelope) error {
	stream := StreamForSubject(subject)
	if stream == "" {
		return domain.Errorf(domain.KindValidation, "subject %q is outside the titan namespace", subject)
	}

	data, err := env.Encode()
	if err != nil {
		return domain.NewError(domain.KindValidation, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, env.ID)

	err = retry.Do(ctx, a.policy, func() error {
		_, cbErr := a.breaker.Execute(func() (interface{}, error) {
			pctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			_, pubErr := a.js.PublishMsg(msg, nats.Context(pctx))
			return nil, pubErr
		})
		if errors.Is(cbErr, gobreaker.ErrOpenState) {
			// The transport is known-bad; fail fast instead of burning
			// the retry budget against an open breaker.
			return retry.Permanent(cbErr)
		}
		return cbErr
	})
	if err != nil {
		a.metrics.BusPublishErr.WithLabelValues(string(stream)).Inc()
		return domain.NewError(domain.KindTransientBus, fmt.Errorf("publish to %s failed: %w", subject, err))
	}

	a.metrics.BusPublishes.WithLabelValues(string(stream)).Inc()
	a.log.Debug().
		Str("subject", subject).
		Str("type", env.Type).
		Str("id", env.ID).
		Msg("Published")
	return nil
}

// Consume subscribes a durable consumer to subject. Delivery is at-least-once
// with explicit ack; a consumer identified by the same durable name resumes
// from its last acked position after reconnect.
func (a *Adapter) Consume(subject, durable string, handler Handler) (*nats.Subscription, error) {
	stream := StreamForSubject(subject)
	if stream == "" {
		return nil, domain.Errorf(domain.KindValidation, "subject %q is outside the titan namespace", subject)
	}

	sub, err := a.js.Subscribe(subject, func(msg *nats.Msg) {
		a.dispatch(stream, msg, handler)
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(a.maxDeliver),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return nil, domain.NewError(domain.KindTransientBus, fmt.Errorf("subscribe %s failed: %w", subject, err))
	}

	a.log.Info().Str("subject", subject).Str("durable", durable).Msg("Consumer started")
	return sub, nil
}

func (a *Adapter) dispatch(stream Stream, msg *nats.Msg, handler Handler) {
	env, err := DecodeEnvelope(msg.Data)
	if err != nil {
		// Malformed envelopes can never succeed; drop to the DLQ.
		a.deadLetter(stream, msg.Subject, msg.Data, err.Error())
		_ = msg.Ack()
		return
	}

	if err := handler(env); err != nil {
		meta, metaErr := msg.Metadata()
		if metaErr == nil && int(meta.NumDelivered) >= a.maxDeliver {
			a.deadLetter(stream, msg.Subject, msg.Data, err.Error())
			_ = msg.Ack()
			return
		}
		a.log.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Str("id", env.ID).
			Msg("Handler failed, message will be redelivered")
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()
}

// deadLetter routes a failed message to the stream's dead-letter subject.
func (a *Adapter) deadLetter(stream Stream, subject string, data []byte, reason string) {
	a.metrics.BusDeadLetter.WithLabelValues(string(stream)).Inc()
	a.log.Error().
		Str("subject", subject).
		Str("reason", reason).
		Msg("Message dead-lettered")

	dlq := nats.NewMsg(DLQSubject(stream))
	dlq.Data = data
	dlq.Header.Set("Titan-Origin-Subject", subject)
	dlq.Header.Set("Titan-DLQ-Reason", reason)
	if _, err := a.js.PublishMsg(dlq); err != nil {
		a.log.Error().Err(err).Msg("Failed to publish to dead-letter subject")
	}
}
