// Package worker is the HTTP client for worker processes. Every worker
// exposes POST <endpoint>/process and answers with either a single JSON
// object or newline-delimited JSON objects.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrWorkerStatus is returned when a worker answers with a non-2xx status.
	ErrWorkerStatus = errors.New("worker returned error status")
	// ErrWorkerPayload is returned when a worker item carries an error field.
	ErrWorkerPayload = errors.New("worker reported error")
)

const (
	processPath = "/process"
	// maxLineBytes bounds a single streamed line.
	maxLineBytes = 4 << 20
	maxErrorBody = 4096
)

// Request is the body sent to a worker.
type Request struct {
	Payload        any            `json:"payload"`
	Model          string         `json:"model"`
	Options        map[string]any `json:"options"`
	Stream         bool           `json:"stream"`
	ConversationID string         `json:"conversation_id"`
}

// Item is one JSON object produced by a worker.
type Item map[string]any

// Content returns the item's content field and whether it was present.
func (i Item) Content() (any, bool) {
	v, ok := i["content"]
	return v, ok && v != nil
}

// Err returns the item's error field, if any.
func (i Item) Err() (string, bool) {
	v, ok := i["error"]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, s != ""
	}
	return fmt.Sprint(v), true
}

// Caller is the transport used by the dispatcher.
type Caller interface {
	Call(ctx context.Context, endpoint string, req Request) (Item, error)
	Stream(ctx context.Context, endpoint string, req Request, fn func(Item) error) error
}

// Client talks to workers over HTTP. Deadlines come from the caller's context.
type Client struct {
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a worker client. apiKey, when set, is sent as a bearer token.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// NewClientWithHTTP creates a worker client using hc.
func NewClientWithHTTP(apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{apiKey: apiKey, httpClient: hc}
}

// Call sends a non-streaming request and returns the single result object.
func (c *Client) Call(ctx context.Context, endpoint string, req Request) (Item, error) {
	req.Stream = false
	resp, err := c.post(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("parse response: empty object")
	}
	if msg, ok := item.Err(); ok {
		return item, fmt.Errorf("%w: %s", ErrWorkerPayload, msg)
	}
	return item, nil
}

// Stream sends a streaming request and calls fn for every well-formed line,
// in order. Malformed lines are logged and skipped. An item carrying an error
// field ends the stream with ErrWorkerPayload. A non-nil error from fn stops
// reading and is returned as is.
func (c *Client) Stream(ctx context.Context, endpoint string, req Request, fn func(Item) error) error {
	req.Stream = true
	resp, err := c.post(ctx, endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	lineNo := 0
	for {
		line, tooLong, err := readLine(reader)
		if tooLong {
			lineNo++
			slog.Warn("Worker: skipping oversized stream line", "endpoint", endpoint, "line", lineNo)
		} else if len(line) > 0 {
			lineNo++
			if item, ok := decodeLine(line, endpoint, lineNo); ok {
				if msg, isErr := item.Err(); isErr {
					return fmt.Errorf("%w: %s", ErrWorkerPayload, msg)
				}
				if ferr := fn(item); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, req Request) (*http.Response, error) {
	target, err := processURL(endpoint)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "application/x-ndjson")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w (status %d): %s", ErrWorkerStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// readLine returns the next line without its terminator. Lines longer than
// maxLineBytes are drained and reported as tooLong.
func readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, isPrefix, rerr := r.ReadLine()
		if !tooLong {
			if len(line)+len(chunk) > maxLineBytes {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if rerr != nil || !isPrefix {
			return bytes.TrimSpace(line), tooLong, rerr
		}
	}
}

func decodeLine(line []byte, endpoint string, lineNo int) (Item, bool) {
	var item Item
	if err := json.Unmarshal(line, &item); err != nil || item == nil {
		slog.Warn("Worker: skipping malformed stream line", "endpoint", endpoint, "line", lineNo, "error", err)
		return nil, false
	}
	return item, true
}

func processURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	return u.JoinPath(processPath).String(), nil
}
