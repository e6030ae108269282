package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultMaxPerSubject = 1000
)

// RedisStore keeps the records of each subject in a sorted set scored by
// unix microseconds.
type RedisStore struct {
	client        *redis.Client
	prefix        string
	retention     time.Duration
	maxPerSubject int64
	now           func() time.Time
}

type StoreOption func(*RedisStore)

func WithRetention(d time.Duration) StoreOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithMaxPerSubject(n int) StoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxPerSubject = int64(n)
		}
	}
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *RedisStore) { s.now = now }
}

func NewRedisStore(client *redis.Client, prefix string, opts ...StoreOption) *RedisStore {
	s := &RedisStore{
		client:        client,
		prefix:        prefix,
		retention:     DefaultRetention,
		maxPerSubject: DefaultMaxPerSubject,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(subject string) string {
	return s.prefix + "events:" + subject
}

// appendScript scores the record after the newest one already held for the
// subject, so the stored timestamps of a subject are strictly increasing no
// matter how many processes write it.
//
// KEYS: subject set
// ARGV: wanted score (unix µs), member, retention horizon (unix µs), max
// records, ttl ms
var appendScript = redis.NewScript(`
local score = tonumber(ARGV[1])
local last = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if last[2] and tonumber(last[2]) >= score then
	score = tonumber(last[2]) + 1
end
redis.call('ZADD', KEYS[1], score, ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3])
redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -tonumber(ARGV[4]) - 1)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return score
`)

// Append stores r and returns it with the timestamp it was stored under.
func (s *RedisStore) Append(ctx context.Context, r Record) (Record, error) {
	r.OccurredAt = Timestamp(r.OccurredAt)
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}

	horizon := s.now().Add(-s.retention).UnixMicro()
	score, err := appendScript.Run(ctx, s.client, []string{s.key(r.Subject)},
		r.OccurredAt.UnixMicro(), data, horizon, s.maxPerSubject, s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return Record{}, fmt.Errorf("append record: %w", err)
	}

	r.OccurredAt = time.UnixMicro(score).UTC()
	return r, nil
}

func (s *RedisStore) Since(ctx context.Context, subject string, since time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}

	min := "-inf"
	if !since.IsZero() {
		min = "(" + strconv.FormatInt(Timestamp(since).UnixMicro(), 10)
	}

	members, err := s.client.ZRangeByScoreWithScores(ctx, s.key(subject), &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	out := make([]Record, 0, len(members))
	for _, m := range members {
		raw, ok := m.Member.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		// The score is authoritative; Append may have moved it past the
		// timestamp the record was marshalled with.
		r.OccurredAt = time.UnixMicro(int64(m.Score)).UTC()
		out = append(out, r)
	}
	return out, nil
}
