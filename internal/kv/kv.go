// Package kv is a typed key-value store with explicit per-key TTLs. It backs
// the visitor identity store: values survive reloads for a bounded window,
// and expiry is a property of each write rather than of the backend.
package kv

import (
	"context"
	"time"
)

// Store is a string key-value store with per-key expiry.
type Store interface {
	// Get returns the value for key. ok is false when the key is missing or
	// expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key. A ttl <= 0 never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// Prefixed scopes every key of s under prefix + ":".
func Prefixed(s Store, prefix string) Store {
	return &prefixed{s: s, prefix: prefix + ":"}
}

type prefixed struct {
	s      Store
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	return p.s.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.s.Set(ctx, p.prefix+key, value, ttl)
}

func (p *prefixed) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.prefix + k
	}
	return p.s.Delete(ctx, full...)
}
