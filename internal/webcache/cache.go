// Package webcache stores successful responses from the collections server
// so the interceptor can fall back to them while offline.
//
// Entries live in a namespace derived from the precache manifest version.
// Activating a version prunes every entry left over from other versions, so
// a deployment bump never serves stale pages from an old manifest.
package webcache

import (
	"context"
)

// CachedResponse is the subset of an HTTP response worth replaying offline.
type CachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type Cache interface {
	// Match returns the cached response for a request path, if any.
	Match(ctx context.Context, path string) (*CachedResponse, bool, error)
	// Put stores a response under the active namespace.
	Put(ctx context.Context, path string, resp *CachedResponse) error
	// Activate removes every entry that belongs to a different manifest
	// version than the active one.
	Activate(ctx context.Context) error
}

// NoopCache serves nothing and stores nothing. The gateway degrades to it
// when redis is unreachable at startup.
type NoopCache struct{}

func (NoopCache) Match(_ context.Context, _ string) (*CachedResponse, bool, error) {
	return nil, false, nil
}

func (NoopCache) Put(_ context.Context, _ string, _ *CachedResponse) error { return nil }

func (NoopCache) Activate(_ context.Context) error { return nil }
