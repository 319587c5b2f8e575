/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/PivotLLM/Switchboard/global"
)

// RPCError is an explicit error returned by a tool server
type RPCError struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return "rpc error: " + e.Message
}

// IsMethodNotFound reports whether err is a JSON-RPC "method not found" error
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == global.ErrCodeMethodNotFound
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// callID extracts the numeric correlation id. Servers that echo the id as a
// string are accepted. ok is false for notifications.
func (r *response) callID() (int64, bool) {
	raw := strings.TrimSpace(string(r.ID))
	if raw == "" || raw == "null" {
		return 0, false
	}
	raw = strings.Trim(raw, `"`)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// encodeRequest renders one newline-terminated request frame
func encodeRequest(id int64, method string, params interface{}) ([]byte, error) {
	data, err := json.Marshal(request{JSONRPC: global.JSONRPCVersion, Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	return append(data, '\n'), nil
}

// maxNoiseBytes caps how much non-protocol output without a newline is held
// while waiting for the end of the line
const maxNoiseBytes = 64 * 1024

// splitFrames extracts every complete JSON value from buf. An incomplete trailing
// value is returned in rest so the caller can wait for more bytes. Lines that are
// not JSON are returned in skipped and discarded, as is an unterminated
// non-JSON tail longer than maxNoiseBytes.
func splitFrames(buf []byte) (frames []json.RawMessage, rest []byte, skipped [][]byte) {
	for {
		buf = bytes.TrimLeft(buf, " \t\r\n")
		if len(buf) == 0 {
			return frames, nil, skipped
		}

		if buf[0] != '{' && buf[0] != '[' {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				return holdNoise(frames, buf, skipped)
			}
			skipped = append(skipped, buf[:i])
			buf = buf[i+1:]
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(buf))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return frames, append([]byte(nil), buf...), skipped
			}
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				return holdNoise(frames, buf, skipped)
			}
			skipped = append(skipped, buf[:i])
			buf = buf[i+1:]
			continue
		}

		frames = append(frames, raw)
		buf = buf[dec.InputOffset():]
	}
}

// holdNoise keeps an unterminated non-protocol tail for the next read, or
// skips it once it exceeds maxNoiseBytes
func holdNoise(frames []json.RawMessage, buf []byte, skipped [][]byte) ([]json.RawMessage, []byte, [][]byte) {
	if len(buf) > maxNoiseBytes {
		return frames, nil, append(skipped, append([]byte(nil), buf...))
	}
	return frames, append([]byte(nil), buf...), skipped
}
