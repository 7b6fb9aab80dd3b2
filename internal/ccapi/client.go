package ccapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Logger interface for dependency injection
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// defaultLogger is a no-op logger
type defaultLogger struct{}

func (d *defaultLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (d *defaultLogger) Info(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Error(msg string, keysAndValues ...interface{}) {}

// Busy retry ladder: 503 means "try later". The initial attempt plus
// one retry per rung, each retry on a fresh socket.
var busyBackoff = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
}

// Client serializes all vendor-API traffic onto a single long-lived
// connection. The camera firmware destabilizes when requests are
// pipelined, so exactly one non-polling request is in flight at a time
// and concurrent callers queue in FIFO order.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	transport      *http.Transport
	defaultTimeout time.Duration
	jobs           chan *job
	quit           chan struct{}
	log            Logger
}

type job struct {
	ctx    context.Context
	verb   string
	path   string
	body   interface{}
	opts   RequestOptions
	result chan jobResult
}

type jobResult struct {
	data []byte
	err  error
}

// NewClient creates a serialized client for the given base URL and
// starts its queue worker. The camera presents a self-signed cert, so
// TLS verification is disabled.
func NewClient(baseURL string, defaultTimeout time.Duration, log Logger) *Client {
	if log == nil {
		log = &defaultLogger{}
	}
	if defaultTimeout == 0 {
		defaultTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		// One idle conn keeps the vendor conversation on one socket
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
	}

	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Transport: transport},
		transport:      transport,
		defaultTimeout: defaultTimeout,
		jobs:           make(chan *job, 64),
		quit:           make(chan struct{}),
		log:            log,
	}

	go c.worker()
	return c
}

// BaseURL returns the camera base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close stops the queue worker and tears down the connection
func (c *Client) Close() {
	close(c.quit)
	c.transport.CloseIdleConnections()
}

// Do enqueues a request and blocks until it has been executed in FIFO
// order. The body, when non-nil, is JSON-encoded.
func (c *Client) Do(ctx context.Context, verb, path string, body interface{}, opts RequestOptions) ([]byte, error) {
	j := &job{
		ctx:    ctx,
		verb:   verb,
		path:   path,
		body:   body,
		opts:   opts,
		result: make(chan jobResult, 1),
	}

	select {
	case c.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, ErrClosed
	}

	select {
	case res := <-j.result:
		return res.data, res.err
	case <-ctx.Done():
		// The worker still runs the job to completion; the caller just
		// stops waiting. Results land in the buffered channel.
		return nil, ctx.Err()
	}
}

// GetJSON performs a GET through the queue and decodes the JSON response
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	data, err := c.Do(ctx, http.MethodGet, path, nil, RequestOptions{})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// worker owns the in-flight slot: strict FIFO, one request at a time
func (c *Client) worker() {
	for {
		select {
		case <-c.quit:
			return
		case j := <-c.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- jobResult{err: err}
				continue
			}
			data, err := c.execute(j)
			j.result <- jobResult{data: data, err: err}
		}
	}
}

// execute runs one request, retrying only on 503 per the busy ladder
func (c *Client) execute(j *job) ([]byte, error) {
	timeout := j.opts.Timeout
	if timeout == 0 {
		timeout = c.defaultTimeout
	}

	attempts := len(busyBackoff) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// Fresh socket per retry; the camera accumulates socket state
			c.transport.CloseIdleConnections()
			if err := sleepCtx(j.ctx, busyBackoff[attempt-1]); err != nil {
				return nil, err
			}
		}

		data, retryBusy, err := c.doOnce(j.ctx, j.verb, j.path, j.body, timeout)
		if err == nil {
			return data, nil
		}
		if !retryBusy {
			return nil, err
		}
		c.log.Debug("Camera busy, backing off",
			"path", j.path,
			"attempt", attempt+1)
	}
	return nil, &BusyError{Attempts: attempts}
}

// doOnce performs a single HTTP round trip and classifies the outcome.
// The second return reports whether the failure was a 503 worth retrying.
func (c *Client) doOnce(ctx context.Context, verb, path string, body interface{}, timeout time.Duration) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, false, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, verb, c.baseURL+path, reader)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, classifyTransportError(verb+" "+path, ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, &DisconnectedError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, false, nil

	case resp.StatusCode == http.StatusServiceUnavailable:
		// "Already started" rides on 503 but is a polling-session
		// collision, not camera business; surface it verbatim.
		if msg := vendorMessage(data); strings.Contains(msg, "Already started") {
			return nil, false, &APIError{StatusCode: resp.StatusCode, Message: msg}
		}
		return nil, true, &BusyError{Attempts: 1}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, &APIError{
			StatusCode: resp.StatusCode,
			Message:    vendorMessage(data),
		}

	default:
		return nil, false, &TransientError{
			Op:  verb + " " + path,
			Err: fmt.Errorf("HTTP status %d", resp.StatusCode),
		}
	}
}

// classifyTransportError maps socket-level failures onto the error taxonomy
func classifyTransportError(op string, callerCtx, reqCtx context.Context, err error) error {
	// Caller cancellation wins over everything
	if callerCtx.Err() != nil {
		return callerCtx.Err()
	}
	if reqCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Deadline: time.Now()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Deadline: time.Now()}
	}

	if isConnectionError(err) {
		return &DisconnectedError{Err: err}
	}
	return &TransientError{Op: op, Err: err}
}

// isConnectionError reports whether err looks like a dropped or refused socket
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable")
}

// vendorMessage extracts the {"message": ...} body the camera returns on errors
func vendorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		return strings.TrimSpace(string(data))
	}
	return body.Message
}

// sleepCtx sleeps for d unless the context is cancelled first
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
