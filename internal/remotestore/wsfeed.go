package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WebsocketFeed implements Feed against a push gateway that streams
// JSON-framed change events per table. Used when the remote authority
// fronts its change feed with a websocket endpoint instead of LISTEN/NOTIFY.
type WebsocketFeed struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	readTimeout time.Duration
}

func NewWebsocketFeed(baseURL, token string, httpClient *http.Client) (*WebsocketFeed, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrInvalidInput
	}
	return &WebsocketFeed{
		baseURL:     baseURL,
		token:       strings.TrimSpace(token),
		httpClient:  httpClient,
		readTimeout: 90 * time.Second,
	}, nil
}

func (f *WebsocketFeed) Subscribe(ctx context.Context, table string) (Subscription, error) {
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	q := url.Values{}
	q.Set("table", table)
	endpoint := fmt.Sprintf("%s/v1/feed?%s", f.baseURL, q.Encode())
	opts := &websocket.DialOptions{HTTPClient: f.httpClient}
	if f.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + f.token}}
	}
	conn, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		return nil, &RemoteError{Op: "subscribe", Transient: true, Cause: err}
	}
	sub := &wsSubscription{
		conn:        conn,
		table:       table,
		ch:          make(chan ChangeEvent, 64),
		done:        make(chan struct{}),
		readTimeout: f.readTimeout,
	}
	go sub.run(ctx)
	return sub, nil
}

type wsSubscription struct {
	conn        *websocket.Conn
	table       string
	ch          chan ChangeEvent
	done        chan struct{}
	readTimeout time.Duration

	mu        sync.Mutex
	err       error
	closed    bool
	closeOnce sync.Once
}

func (s *wsSubscription) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.done:
			return
		default:
		}
		readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		_, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			s.setErr(&RemoteError{Op: "feed read", Transient: true, Cause: err})
			return
		}
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// malformed frame; skip rather than kill the stream
			continue
		}
		if ev.Table == "" {
			ev.Table = s.table
		}
		if ev.Table != s.table {
			continue
		}
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *wsSubscription) Changes() <-chan ChangeEvent {
	return s.ch
}

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
}
