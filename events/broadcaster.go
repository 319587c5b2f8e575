/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package events fans state-change events out to observer streams.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/google/uuid"
)

var (
	framePrefix = []byte("data: ")
	frameSuffix = []byte("\n\n")
)

// ErrMalformedFrame is returned by Decode for text that is not a data frame
var ErrMalformedFrame = errors.New("malformed event frame")

// Stream is one subscriber. Frames arrive on Events until Done is closed.
type Stream struct {
	id     string
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	owner  *Broadcaster
}

// ID returns the stream id
func (s *Stream) ID() string {
	return s.id
}

// Events returns the channel of encoded frames
func (s *Stream) Events() <-chan []byte {
	return s.frames
}

// Done is closed when the stream has been removed
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close removes the stream from its broadcaster
func (s *Stream) Close() {
	s.owner.remove(s, "closed")
}

// Broadcaster holds the set of open streams
type Broadcaster struct {
	logger  *logging.Logger
	buffer  int
	onCount func(n int)

	mu      sync.Mutex
	streams map[string]*Stream
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithBuffer sets the per-stream frame buffer
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithCountHook is called with the number of open streams after each change
func WithCountHook(fn func(n int)) Option {
	return func(b *Broadcaster) {
		b.onCount = fn
	}
}

// New creates a Broadcaster with no streams
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		buffer:  global.DefaultSubscriberBuffer,
		streams: make(map[string]*Stream),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe opens a stream with the default buffer
func (b *Broadcaster) Subscribe() *Stream {
	return b.SubscribeBuffered(b.buffer)
}

// SubscribeBuffered opens a stream holding up to size undelivered frames
func (b *Broadcaster) SubscribeBuffered(size int) *Stream {
	if size <= 0 {
		size = b.buffer
	}
	s := &Stream{
		id:     uuid.NewString(),
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
		owner:  b,
	}
	b.mu.Lock()
	b.streams[s.id] = s
	n := len(b.streams)
	b.mu.Unlock()

	b.logger.Debugf("Stream %s: subscribed (%d open)", s.id, n)
	b.count(n)
	return s
}

// Publish encodes ev once and sends the frame to every open stream
func (b *Broadcaster) Publish(ev global.Event) {
	frame, err := Encode(ev)
	if err != nil {
		b.logger.Errorf("Failed to encode event: %v", err)
		return
	}
	b.Broadcast(frame)
}

// Broadcast sends an encoded frame to every open stream. A stream that cannot
// take the frame is removed as disconnected.
func (b *Broadcaster) Broadcast(frame []byte) {
	var dropped []*Stream

	b.mu.Lock()
	for _, s := range b.streams {
		select {
		case s.frames <- frame:
		default:
			dropped = append(dropped, s)
		}
	}
	b.mu.Unlock()

	for _, s := range dropped {
		b.remove(s, "buffer full")
	}
}

// Count returns the number of open streams
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// CloseAll removes every stream
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	streams := make([]*Stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()
	for _, s := range streams {
		b.remove(s, "shutdown")
	}
}

func (b *Broadcaster) remove(s *Stream, reason string) {
	s.once.Do(func() {
		b.mu.Lock()
		delete(b.streams, s.id)
		n := len(b.streams)
		b.mu.Unlock()
		close(s.done)
		b.logger.Debugf("Stream %s: removed, %s (%d open)", s.id, reason, n)
		b.count(n)
	})
}

func (b *Broadcaster) count(n int) {
	if b.onCount != nil {
		b.onCount(n)
	}
}

// Encode serialises an event as an observer stream frame
func Encode(ev global.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(framePrefix)+len(data)+len(frameSuffix))
	frame = append(frame, framePrefix...)
	frame = append(frame, data...)
	return append(frame, frameSuffix...), nil
}

// Decode parses a frame produced by Encode
func Decode(frame []byte) (global.Event, error) {
	var ev global.Event
	body, ok := bytes.CutPrefix(bytes.TrimSpace(frame), framePrefix)
	if !ok {
		return ev, ErrMalformedFrame
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ev, nil
}
