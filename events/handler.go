/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package events

import (
	"net/http"
	"time"

	"github.com/PivotLLM/Switchboard/global"
)

// HeartbeatInterval is how often an idle stream receives a comment line
const HeartbeatInterval = 30 * time.Second

var heartbeat = []byte(": ping\n\n")

// SnapshotFunc returns the event sent first on a new stream
type SnapshotFunc func() global.Event

// Handler serves the observer stream over server-sent events. If snapshot is
// non-nil its event is written before any broadcast frame.
func (b *Broadcaster) Handler(snapshot SnapshotFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		// Subscribe before taking the snapshot so no change falls between them
		stream := b.Subscribe()
		defer stream.Close()

		if snapshot != nil {
			frame, err := Encode(snapshot())
			if err != nil {
				b.logger.Errorf("Stream %s: failed to encode snapshot: %v", stream.ID(), err)
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
		}
		flusher.Flush()

		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-stream.Done():
				return
			case <-ticker.C:
				if _, err := w.Write(heartbeat); err != nil {
					return
				}
				flusher.Flush()
			case frame := <-stream.Events():
				if _, err := w.Write(frame); err != nil {
					b.logger.Debugf("Stream %s: write failed: %v", stream.ID(), err)
					return
				}
				flusher.Flush()
			}
		}
	})
}
