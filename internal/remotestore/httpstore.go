package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPStore talks to a REST remote authority. Transient statuses (429, 5xx)
// are retried with jittered backoff before the error is surfaced to the
// queue's own retry accounting.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPStore(baseURL, token string, httpClient *http.Client) *HTTPStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPStore{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPStore) Insert(ctx context.Context, table string, record json.RawMessage) error {
	if table == "" || len(record) == 0 {
		return ErrInvalidInput
	}
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/tables/%s/records", url.PathEscape(table)), record, nil)
	return classifyHTTPError("insert", err)
}

func (c *HTTPStore) Update(ctx context.Context, table, id string, patch json.RawMessage) error {
	if table == "" || id == "" || len(patch) == 0 {
		return ErrInvalidInput
	}
	err := c.doJSON(ctx, http.MethodPatch,
		fmt.Sprintf("/v1/tables/%s/records/%s", url.PathEscape(table), url.PathEscape(id)), patch, nil)
	return classifyHTTPError("update", err)
}

func (c *HTTPStore) Delete(ctx context.Context, table, id string) error {
	if table == "" || id == "" {
		return ErrInvalidInput
	}
	err := c.doJSON(ctx, http.MethodDelete,
		fmt.Sprintf("/v1/tables/%s/records/%s", url.PathEscape(table), url.PathEscape(id)), nil, nil)
	return classifyHTTPError("delete", err)
}

func (c *HTTPStore) ChangedSince(ctx context.Context, table string, since time.Time, limit int) ([]Record, error) {
	if table == "" {
		return nil, ErrInvalidInput
	}
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Records []Record `json:"records"`
	}
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/tables/%s/changes?%s", url.PathEscape(table), q.Encode()), nil, &out)
	if err != nil {
		return nil, classifyHTTPError("fetch", err)
	}
	for i := range out.Records {
		out.Records[i].Table = table
	}
	return out.Records, nil
}

func (c *HTTPStore) doJSON(ctx context.Context, method, requestPath string, body json.RawMessage, out any) error {
	var bodyBytes []byte
	if body != nil {
		bodyBytes = body
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &RemoteError{Op: method, Transient: true, Cause: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPStore) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyHTTPError(op string, err error) error {
	if err == nil {
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		transient := httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
		return &RemoteError{Op: op, Transient: transient, Cause: err}
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteError{Op: op, Transient: true, Cause: err}
}
