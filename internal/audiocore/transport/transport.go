// Package transport implements the bounded, non-blocking message port
// connecting the audio thread (worklet) and the analysis thread. It carries
// protocol envelopes in both directions and tracks buffer ownership for the
// audio->analysis sample-buffer handoff.
package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pitchkit/core/internal/audiocore/protocol"
	"github.com/pitchkit/core/internal/logging"
)

// DefaultQueueSize bounds each direction's channel. Sized generously above
// the worklet's buffer pool so a slow analysis tick does not itself become
// the bottleneck before the pool-miss path kicks in.
const DefaultQueueSize = 16

// Stats is a point-in-time, non-allocating snapshot of transport health.
type Stats struct {
	QueueDepthToAnalysis int
	QueueDepthToWorklet  int
	DroppedToAnalysis    uint64
	DroppedToWorklet     uint64
	UnknownReturns       uint64
	InFlightBuffers      int
}

// Transport is a pair of bounded, non-blocking message channels plus
// buffer ownership bookkeeping; the in-flight buffer set is guarded by a
// short-held mutex, taken on every AudioDataBatch send. There are exactly two
// directions: worklet->analysis (carries at most one sample buffer per
// envelope) and analysis->worklet (never carries sample data).
type Transport struct {
	toAnalysis chan protocol.Envelope
	toWorklet  chan protocol.Envelope

	logger *slog.Logger

	droppedToAnalysis atomic.Uint64
	droppedToWorklet  atomic.Uint64
	unknownReturns    atomic.Uint64

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New constructs a Transport with the given per-direction queue depth. A
// non-positive queueSize falls back to DefaultQueueSize.
func New(queueSize int) *Transport {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Transport{
		toAnalysis: make(chan protocol.Envelope, queueSize),
		toWorklet:  make(chan protocol.Envelope, queueSize),
		logger:     logging.ForService("audiocore").With("component", "transport"),
		inFlight:   make(map[string]struct{}),
	}
}

// SendToAnalysis posts an envelope from the audio thread to the analysis
// thread. It never blocks: if the queue is full, the envelope is dropped
// and the drop counter advances. If the payload is an AudioDataBatch, its
// buffer_id is recorded as in-flight so a later ReturnBuffer can be
// validated.
func (t *Transport) SendToAnalysis(env protocol.Envelope) bool {
	if batch, ok := env.Payload.(protocol.AudioDataBatch); ok && batch.BufferID != "" {
		t.mu.Lock()
		t.inFlight[batch.BufferID] = struct{}{}
		t.mu.Unlock()
	}

	select {
	case t.toAnalysis <- env:
		return true
	default:
		dropped := t.droppedToAnalysis.Add(1)
		if dropped%10 == 1 {
			t.logger.Warn("analysis queue full, dropping envelope",
				"dropped_to_analysis", dropped,
				"payload_kind", env.Payload.Kind())
		}
		return false
	}
}

// SendToWorklet posts a control envelope from the analysis thread to the
// audio thread. It never blocks.
func (t *Transport) SendToWorklet(env protocol.Envelope) bool {
	select {
	case t.toWorklet <- env:
		return true
	default:
		dropped := t.droppedToWorklet.Add(1)
		if dropped%10 == 1 {
			t.logger.Warn("worklet queue full, dropping envelope",
				"dropped_to_worklet", dropped,
				"payload_kind", env.Payload.Kind())
		}
		return false
	}
}

// RecvFromWorklet returns the receive-only channel the analysis thread
// drains in its select loop.
func (t *Transport) RecvFromWorklet() <-chan protocol.Envelope {
	return t.toAnalysis
}

// TryRecvFromWorklet performs a single non-blocking receive, for callers
// that poll once per tick rather than selecting.
func (t *Transport) TryRecvFromWorklet() (protocol.Envelope, bool) {
	select {
	case env := <-t.toAnalysis:
		return env, true
	default:
		return protocol.Envelope{}, false
	}
}

// RecvFromAnalysis returns the receive-only channel the audio thread drains.
func (t *Transport) RecvFromAnalysis() <-chan protocol.Envelope {
	return t.toWorklet
}

// TryRecvFromAnalysis performs a single non-blocking receive of a control
// envelope, for the worklet's per-tick poll.
func (t *Transport) TryRecvFromAnalysis() (protocol.Envelope, bool) {
	select {
	case env := <-t.toWorklet:
		return env, true
	default:
		return protocol.Envelope{}, false
	}
}

// HandleReturn validates a ReturnBuffer against the in-flight set. If the
// buffer_id is not currently in flight, the call is a no-op that only
// advances the unknown-return counter, matching the spec's
// silently-dropped-with-a-warning-counter behavior.
func (t *Transport) HandleReturn(bufferID string) bool {
	t.mu.Lock()
	_, ok := t.inFlight[bufferID]
	if ok {
		delete(t.inFlight, bufferID)
	}
	t.mu.Unlock()

	if !ok {
		unknown := t.unknownReturns.Add(1)
		if unknown%10 == 1 {
			t.logger.Warn("return buffer for unknown or already-returned buffer_id",
				"buffer_id", bufferID,
				"unknown_returns", unknown)
		}
	}
	return ok
}

// Stats returns a snapshot of queue depths and counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	inFlight := len(t.inFlight)
	t.mu.Unlock()

	return Stats{
		QueueDepthToAnalysis: len(t.toAnalysis),
		QueueDepthToWorklet:  len(t.toWorklet),
		DroppedToAnalysis:    t.droppedToAnalysis.Load(),
		DroppedToWorklet:     t.droppedToWorklet.Load(),
		UnknownReturns:       t.unknownReturns.Load(),
		InFlightBuffers:      inFlight,
	}
}
