package remotestore

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// BuildStoreFromDSN selects a remote store implementation by scheme:
// postgres://, http(s)://, memory://.
func BuildStoreFromDSN(dsn, token string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "http", "https":
		return NewHTTPStore(dsn, token, nil), nil
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported remote store scheme: %s", parsed.Scheme)
	}
}

// BuildFeedFromDSN selects a realtime feed by scheme. An empty DSN means the
// store itself is probed for feed support; a store without one leaves the
// engine in polling mode.
func BuildFeedFromDSN(dsn, token string, store Store, httpClient *http.Client) (Feed, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if feed, ok := store.(Feed); ok {
			return feed, nil
		}
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "ws", "wss":
		return NewWebsocketFeed(dsn, token, httpClient)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "memory", "mem", "inmem":
		if feed, ok := store.(Feed); ok {
			return feed, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported feed scheme: %s", parsed.Scheme)
	}
}
