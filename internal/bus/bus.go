package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Template is a channel name pattern with a single %s for the subject id.
// Producers and consumers share these constants so the two sides cannot drift.
type Template string

const (
	ChannelPause  Template = "agent:%s:pause"
	ChannelResume Template = "agent:%s:resume"
	ChannelStatus Template = "events:%s"
	ChannelRevoke Template = "worker:%s:revoke"
)

// TypeRevoke is sent on ChannelRevoke to make a pool abandon a task.
const TypeRevoke = "revoke"

// RevokePayload names the task a pool must stop executing.
type RevokePayload struct {
	TaskID string `json:"task_id"`
	Worker string `json:"worker"`
	Reason string `json:"reason,omitempty"`
}

// Format returns the concrete channel for subject.
func (t Template) Format(subject string) string {
	return fmt.Sprintf(string(t), subject)
}

// Message is the envelope carried on every channel.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Bus is fire-and-forget pub/sub over Redis. Nothing is retained: a
// subscriber only sees messages published after its subscription was
// confirmed.
type Bus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func New(client *redis.Client, prefix string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "bus"),
		now:    time.Now,
	}
}

func (b *Bus) channel(tmpl Template, subject string) string {
	return b.prefix + tmpl.Format(subject)
}

// Publish sends one message and returns the number of subscribers that
// received it. Zero receivers is not an error.
func (b *Bus) Publish(ctx context.Context, tmpl Template, subject, msgType string, payload any) (int64, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = data
	}

	data, err := json.Marshal(Message{Type: msgType, Payload: raw, SentAt: b.now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	n, err := b.client.Publish(ctx, b.channel(tmpl, subject), data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", tmpl.Format(subject), err)
	}
	return n, nil
}

type Subscription struct {
	ps     *redis.PubSub
	out    chan Message
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// Subscribe listens on the channel for subject. It returns once Redis has
// confirmed the subscription.
func (b *Bus) Subscribe(ctx context.Context, tmpl Template, subject string) (*Subscription, error) {
	name := b.channel(tmpl, subject)
	ps := b.client.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	s := &Subscription{
		ps:     ps,
		out:    make(chan Message, 64),
		done:   make(chan struct{}),
		logger: b.logger.With("channel", name),
	}
	go s.pump()
	return s, nil
}

func (s *Subscription) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				s.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

// C yields messages in publish order. It is closed after Close or when the
// connection is lost.
func (s *Subscription) C() <-chan Message {
	return s.out
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
