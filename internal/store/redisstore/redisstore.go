// Package redisstore keeps ledger entries in Redis: a hash of id -> JSON
// entry and a sorted set of ids scored by sequence.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/forgeai/forgeguard/internal/ledger"
)

const (
	defaultPrefix = "forgeguard:ledger"
	scanBatch     = 500
)

// Store is a Redis-backed ledger.Store.
type Store struct {
	client  *redis.Client
	entries string
	order   string
}

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore: connect: %w", err)
	}
	return New(client, prefix), nil
}

// New wraps an existing client. An empty prefix uses "forgeguard:ledger".
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		client:  client,
		entries: prefix + ":entries",
		order:   prefix + ":order",
	}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Insert stores e atomically. An id already present is left untouched.
func (s *Store) Insert(ctx context.Context, e ledger.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redisstore: marshal entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, s.entries, e.ID, payload)
		pipe.ZAddNX(ctx, s.order, &redis.Z{Score: float64(e.Sequence), Member: e.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: insert %s: %w", e.ID, err)
	}
	return nil
}

// Query returns matching entries, most recent first.
func (s *Store) Query(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	limit := f.EffectiveLimit()

	if isUnfiltered(f) {
		ids, err := s.client.ZRevRange(ctx, s.order, int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: range: %w", err)
		}
		return s.load(ctx, ids)
	}

	out := []ledger.Entry{}
	skipped := 0
	err := s.walk(ctx, func(e ledger.Entry) bool {
		if !f.Match(e) {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, e)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of matching entries.
func (s *Store) Count(ctx context.Context, f ledger.Filter) (int, error) {
	if isUnfiltered(f) {
		n, err := s.client.ZCard(ctx, s.order).Result()
		if err != nil {
			return 0, fmt.Errorf("redisstore: count: %w", err)
		}
		return int(n), nil
	}

	n := 0
	err := s.walk(ctx, func(e ledger.Entry) bool {
		if f.Match(e) {
			n++
		}
		return true
	})
	return n, err
}

// walk visits entries most recent first until fn returns false.
func (s *Store) walk(ctx context.Context, fn func(ledger.Entry) bool) error {
	for start := int64(0); ; start += scanBatch {
		ids, err := s.client.ZRevRange(ctx, s.order, start, start+scanBatch-1).Result()
		if err != nil {
			return fmt.Errorf("redisstore: range: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		batch, err := s.load(ctx, ids)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if !fn(e) {
				return nil
			}
		}
		if len(ids) < scanBatch {
			return nil
		}
	}
}

func (s *Store) load(ctx context.Context, ids []string) ([]ledger.Entry, error) {
	out := make([]ledger.Entry, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.entries, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load entries: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := ledger.DecodeEntry([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redisstore: decode %s: %w", ids[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

func isUnfiltered(f ledger.Filter) bool {
	return f.ActorUserID == "" && f.SessionID == "" && f.Action == "" &&
		f.RiskLevel == "" && f.Success == nil && f.From.IsZero() && f.To.IsZero()
}
