// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package partner

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/singleflight"
)

// earlyExpiry is subtracted from every token lifetime so a token is
// refreshed before the portal actually rejects it.
const earlyExpiry = 5 * time.Minute

// TokenSource fetches a fresh portal access token, returning the token
// and its lifetime.
type TokenSource func(ctx context.Context) (token string, lifetime time.Duration, err error)

// Tokens caches a portal access token, refreshing it shortly before
// expiry. Concurrent callers that miss the cache share one fetch.
type Tokens struct {
	source TokenSource
	clock  clock.Clock

	group singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokens returns a token cache over source.
func NewTokens(source TokenSource, clk clock.Clock) *Tokens {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tokens{source: source, clock: clk}
}

// Get returns a valid access token, fetching a new one if the cached
// token is missing or within the early-expiry window.
func (t *Tokens) Get(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && t.clock.Now().Before(t.expiry) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	result, err, _ := t.group.Do("token", func() (interface{}, error) {
		token, lifetime, err := t.source(ctx)
		if err != nil {
			return "", errors.Annotate(err, "fetching access token")
		}
		if token == "" {
			return "", errors.New("portal returned an empty access token")
		}
		t.mu.Lock()
		t.token = token
		t.expiry = t.clock.Now().Add(lifetime - earlyExpiry)
		t.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	return result.(string), nil
}

// Invalidate discards the cached token so the next Get fetches anew.
func (t *Tokens) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiry = time.Time{}
	t.mu.Unlock()
}
