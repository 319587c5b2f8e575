/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
)

// maxErrorBody bounds how much of a failed response body is quoted in errors
const maxErrorBody = 512

// HTTPClient sends one JSON-RPC request per call to an HTTP tool server
type HTTPClient struct {
	client *http.Client
	logger *logging.Logger
	nextID atomic.Int64
}

// HTTPOption configures an HTTPClient
type HTTPOption func(*HTTPClient)

// WithHTTPTimeout sets the request timeout
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// WithHTTPLogger sets the logger
func WithHTTPLogger(logger *logging.Logger) HTTPOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates an HTTP transport
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		client: &http.Client{Timeout: global.DefaultHTTPTimeoutMs * time.Millisecond},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts method to endpoint. apiKey may be a literal or "env:NAME"; when
// non-empty it is sent as a bearer token. Servers may answer with a JSON body
// or a text/event-stream carrying the response.
func (c *HTTPClient) Send(ctx context.Context, endpoint, apiKey, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	body, err := json.Marshal(request{JSONRPC: global.JSONRPCVersion, Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	key, err := global.ResolveSecret(apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrTimeout, endpoint, method, err)
		}
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.logger != nil {
		c.logger.Debugf("HTTP %s %s -> %d in %v", method, endpoint, resp.StatusCode, time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var frame []byte
	if mediaType == "text/event-stream" {
		frame, err = readEventStream(resp.Body, id)
	} else {
		frame, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", endpoint, err)
	}

	var rpcResp response
	if err := json.Unmarshal(frame, &rpcResp); err != nil {
		return nil, fmt.Errorf("malformed response from %s: %w", endpoint, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// readEventStream returns the first "data:" payload that is the response to id
func readEventStream(r io.Reader, id int64) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var data strings.Builder
	flush := func() ([]byte, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		payload := []byte(data.String())
		data.Reset()
		var resp response
		if json.Unmarshal(payload, &resp) != nil {
			return nil, false
		}
		if got, ok := resp.callID(); ok && got == id {
			return payload, true
		}
		return nil, false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if payload, ok := flush(); ok {
				return payload, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if payload, ok := flush(); ok {
		return payload, nil
	}
	return nil, fmt.Errorf("event stream ended without a response to call %d", id)
}

type timeoutError interface{ Timeout() bool }

func isTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
