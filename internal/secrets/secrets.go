// Package secrets resolves the chat bot token from a secret store.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoToken means the secret exists but carries no token.
	ErrNoToken = errors.New("secrets: secret has no token")
	// ErrNotFound means the secret does not exist or is not readable.
	ErrNotFound = errors.New("secrets: secret not found")
)

// Resolver turns a secret name into a usable token.
type Resolver interface {
	Resolve(ctx context.Context, name, region string) (string, error)
}

// ParseToken extracts the token from a secret payload. Payloads are JSON
// objects of the form {"token": "..."}, optionally base64 encoded.
func ParseToken(payload []byte) (string, error) {
	payload = []byte(strings.TrimSpace(string(payload)))
	if len(payload) == 0 {
		return "", ErrNoToken
	}
	if payload[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(string(payload))
		if err != nil {
			return "", fmt.Errorf("secrets: payload is neither JSON nor base64: %w", err)
		}
		payload = decoded
	}
	var doc struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", fmt.Errorf("secrets: decode payload: %w", err)
	}
	if doc.Token == "" {
		return "", ErrNoToken
	}
	return doc.Token, nil
}

// Env resolves secrets from environment variables. The variable named like
// the secret holds either the JSON payload or the bare token; region is
// ignored.
type Env struct {
	Lookup func(string) (string, bool)
}

func (e Env) Resolve(_ context.Context, name, _ string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, name)
	}
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "{") {
		return ParseToken([]byte(v))
	}
	if v == "" {
		return "", ErrNoToken
	}
	return v, nil
}

// Cache memoizes successful resolutions per (name, region) and collapses
// concurrent lookups of the same secret into one call.
type Cache struct {
	inner Resolver
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]string
}

// NewCache wraps inner.
func NewCache(inner Resolver) *Cache {
	return &Cache{inner: inner, entries: make(map[string]string)}
}

func (c *Cache) Resolve(ctx context.Context, name, region string) (string, error) {
	key := region + "\x00" + name
	c.mu.RLock()
	tok, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return tok, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		tok, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return tok, nil
		}
		tok, err := c.inner.Resolve(ctx, name, region)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[key] = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Forget drops a cached entry, e.g. after the token was rotated.
func (c *Cache) Forget(name, region string) {
	c.mu.Lock()
	delete(c.entries, region+"\x00"+name)
	c.mu.Unlock()
}
