package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"callrelay/internal/event"
)

// AMQPSink publishes events to a topic exchange, routed by event type, for
// audit consumers that prefer a broker over webhooks.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// DialOptions controls the initial broker connection.
type DialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

const maxDialBackoff = 60 * time.Second

// NewAMQPSink connects with exponential backoff, declares the exchange and
// returns a ready sink.
func NewAMQPSink(ctx context.Context, exchange string, opts DialOptions) (*AMQPSink, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, err := dialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &AMQPSink{conn: conn, exchange: exchange, log: opts.Logger}, nil
}

func dialWithRetry(ctx context.Context, opts DialOptions) (*amqp091.Connection, error) {
	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("amqp connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialBackoff {
			sleep = maxDialBackoff
		}
		opts.Logger.Warn("amqp dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("amqp dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("amqp dial failed after %d attempts: %w", opts.RetryAttempts, lastErr)
}

type amqpEnvelope struct {
	Token     string          `json:"token"`
	UniqueID  string          `json:"unique_id"`
	EventType event.Type      `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

func (s *AMQPSink) Dispatch(ctx context.Context, token, uniqueID string, eventType event.Type, payload []byte) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(amqpEnvelope{
		Token:     token,
		UniqueID:  uniqueID,
		EventType: eventType,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	key := "call." + string(eventType)
	err = ch.PublishWithContext(
		ctx, s.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     uuid.NewString(),
			CorrelationId: uniqueID,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err == nil {
		s.log.Debug("published", slog.String("key", key), slog.String("exchange", s.exchange))
	}
	return err
}

func (s *AMQPSink) Close() error {
	return s.conn.Close()
}
