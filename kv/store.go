// Package kv defines the durable key-value capability the offline engine persists
// through, plus memory, file, Redis and Postgres backends.
//
// Every method is independently atomic. Values are opaque strings (the engine stores
// JSON documents); a missing key is reported with ok=false, never as an error.
package kv

import (
	"context"
	"strings"
)

//go:generate mockgen -source=store.go -destination=../internal/mocks/kv_store.go -package=mocks

// Store is the key-value contract consumed by the response cache and queue store.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	MultiRemove(ctx context.Context, keys []string) error
	Keys(ctx context.Context) ([]string, error)
}

// KeysWithPrefix lists the keys of s that start with prefix.
func KeysWithPrefix(ctx context.Context, s Store, prefix string) ([]string, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
