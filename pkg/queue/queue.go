// Package queue carries admitted requests from the gateway to the workers
// over a Redis stream with a consumer group. Entries stay pending until a
// worker acknowledges them, so a crashed worker's messages are reclaimed by
// its peers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"guardrail/pkg/models"
)

var ErrWrite = errors.New("queue write failed")

const (
	fieldPayload   = "payload"
	fieldRequestID = "request_id"
)

type Config struct {
	Stream           string
	DeadLetterStream string
	Group            string
	MaxLen           int64
}

// Delivery is one stream entry handed to a consumer. DecodeErr is set when
// the payload could not be parsed; such deliveries belong in the dead-letter
// stream.
type Delivery struct {
	ID        string
	Message   models.QueueMessage
	Attempts  int64
	Raw       string
	DecodeErr error
}

type Depth struct {
	Length      int64 `json:"length"`
	Pending     int64 `json:"pending"`
	DeadLetters int64 `json:"dead_letters"`
}

type Producer interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) (string, error)
}

type Consumer interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error)
	Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error)
	Ack(ctx context.Context, ids ...string) error
	DeadLetter(ctx context.Context, d Delivery, reason string) error
	Depth(ctx context.Context) (Depth, error)
}

// Stream implements Producer and Consumer on one Redis stream.
type Stream struct {
	client redis.UniversalClient
	cfg    Config
}

func New(client redis.UniversalClient, cfg Config) (*Stream, error) {
	if client == nil {
		return nil, errors.New("queue: redis client required")
	}
	if strings.TrimSpace(cfg.Stream) == "" || strings.TrimSpace(cfg.Group) == "" {
		return nil, errors.New("queue: stream and group required")
	}
	if cfg.DeadLetterStream == "" {
		cfg.DeadLetterStream = cfg.Stream + ":dlq"
	}
	return &Stream{client: client, cfg: cfg}, nil
}

func (s *Stream) Enqueue(ctx context.Context, msg models.QueueMessage) (string, error) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrWrite, err)
	}
	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{
			fieldPayload:   string(payload),
			fieldRequestID: msg.Envelope.RequestID,
		},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Read returns up to count new entries for consumer. block <= 0 does not
// wait. A block that expires without entries returns an empty slice.
func (s *Stream) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	if block <= 0 {
		block = -1
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for _, st := range streams {
		for _, m := range st.Messages {
			d := decode(m)
			d.Attempts = 1
			out = append(out, d)
		}
	}
	return out, nil
}

// Claim takes over entries that have been pending longer than minIdle, e.g.
// because their consumer died before acknowledging them.
func (s *Stream) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		d := decode(m)
		d.Attempts = s.attempts(ctx, m.ID)
		out = append(out, d)
	}
	return out, nil
}

func (s *Stream) attempts(ctx context.Context, id string) int64 {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.cfg.Stream,
		Group:  s.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, ids...).Err()
}

// DeadLetter copies the entry to the dead-letter stream and acknowledges it
// in one transaction.
func (s *Stream) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.cfg.DeadLetterStream,
			Values: map[string]any{
				fieldPayload:   d.Raw,
				fieldRequestID: d.Message.Envelope.RequestID,
				"original_id":  d.ID,
				"attempts":     d.Attempts,
				"reason":       reason,
			},
		})
		pipe.XAck(ctx, s.cfg.Stream, s.cfg.Group, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.ID, err)
	}
	return nil
}

func (s *Stream) Depth(ctx context.Context) (Depth, error) {
	var out Depth
	length, err := s.client.XLen(ctx, s.cfg.Stream).Result()
	if err != nil {
		return out, err
	}
	out.Length = length
	pending, err := s.client.XPending(ctx, s.cfg.Stream, s.cfg.Group).Result()
	switch {
	case err == nil:
		out.Pending = pending.Count
	case errors.Is(err, redis.Nil), strings.Contains(err.Error(), "NOGROUP"):
	default:
		return out, err
	}
	dead, err := s.client.XLen(ctx, s.cfg.DeadLetterStream).Result()
	if err != nil {
		return out, err
	}
	out.DeadLetters = dead
	return out, nil
}

func decode(m redis.XMessage) Delivery {
	d := Delivery{ID: m.ID}
	raw, ok := m.Values[fieldPayload].(string)
	if !ok {
		d.DecodeErr = errors.New("missing payload field")
		return d
	}
	d.Raw = raw
	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil {
		d.DecodeErr = fmt.Errorf("decode payload: %w", err)
		return d
	}
	if d.Message.Envelope.RequestID == "" {
		d.DecodeErr = errors.New("payload has no request id")
	}
	return d
}
