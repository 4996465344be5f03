// Package cache stores idempotent API responses so that a retried mutation
// replays the first response instead of executing twice.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInFlight is returned by Begin while another request holds the key.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Response is a stored HTTP response.
type Response struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Idempotency reserves keys and records responses. Begin returns the stored
// response when the key completed earlier, ErrInFlight while another request
// holds it, and (nil, nil) when the caller now owns the key.
type Idempotency interface {
	Begin(ctx context.Context, key string, ttl time.Duration) (*Response, error)
	Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Abort(ctx context.Context, key string) error
}

// ── Memory ───────────────────────────────────────────

type memEntry struct {
	resp    *Response
	expires time.Time
}

// Memory is an in-process Idempotency used in local mode and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

func (m *Memory) Begin(_ context.Context, key string, ttl time.Duration) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		if e.resp == nil {
			return nil, ErrInFlight
		}
		r := *e.resp
		return &r, nil
	}
	m.entries[key] = memEntry{expires: now.Add(ttl)}
	return nil, nil
}

func (m *Memory) Complete(_ context.Context, key string, resp Response, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{resp: &resp, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Abort(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
