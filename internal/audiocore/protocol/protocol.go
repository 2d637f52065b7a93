// Package protocol defines the message envelope and the tagged-union
// payload variants exchanged between the worklet (audio thread) and the
// pitch analyzer (analysis thread), plus their wire (de)serialization.
package protocol

import (
	"encoding/json"
	"sync/atomic"

	"github.com/pitchkit/core/internal/errors"
)

// Kind discriminates payload variants on the wire.
type Kind string

const (
	KindProcessorReady             Kind = "processor_ready"
	KindProcessingStarted          Kind = "processing_started"
	KindProcessingStopped          Kind = "processing_stopped"
	KindAudioDataBatch              Kind = "audio_data_batch"
	KindProcessingError             Kind = "processing_error"
	KindStatusUpdate                Kind = "status_update"
	KindStartProcessing              Kind = "start_processing"
	KindStopProcessing                Kind = "stop_processing"
	KindUpdateTestSignalConfig         Kind = "update_test_signal_config"
	KindUpdateBatchConfig               Kind = "update_batch_config"
	KindUpdateBackgroundNoiseConfig      Kind = "update_background_noise_config"
	KindReturnBuffer                      Kind = "return_buffer"
	KindGetStatus                          Kind = "get_status"
)

// Payload is implemented by every variant. Kind identifies the variant for
// the envelope's wire-format "type" discriminator.
type Payload interface {
	Kind() Kind
}

// ErrorKind categorizes a ProcessingError payload.
type ErrorKind string

const (
	ErrorInitializationFailed  ErrorKind = "initialization_failed"
	ErrorProcessingFailed      ErrorKind = "processing_failed"
	ErrorBufferOverflow        ErrorKind = "buffer_overflow"
	ErrorInvalidConfiguration  ErrorKind = "invalid_configuration"
	ErrorMemoryAllocationFailed ErrorKind = "memory_allocation_failed"
	ErrorGeneric               ErrorKind = "generic"
)

// ErrorContext carries optional debugging context alongside a ProcessingError.
type ErrorContext struct {
	Location    string  `json:"location"`
	SystemState *string `json:"system_state,omitempty"`
	DebugInfo   *string `json:"debug_info,omitempty"`
}

// MemoryUsage is an optional diagnostic field on StatusUpdate.
type MemoryUsage struct {
	HeapSizeBytes  uint64 `json:"heap_size_bytes"`
	UsedHeapBytes  uint64 `json:"used_heap_bytes"`
	ActiveBuffers  int    `json:"active_buffers"`
}

// BufferPoolStats is an optional diagnostic field on StatusUpdate,
// mirroring the buffer pool invariant: in-flight + free = pool_size + extra_allocs.
type BufferPoolStats struct {
	PoolSize    int     `json:"pool_size"`
	InFlight    int     `json:"in_flight"`
	Free        int     `json:"free"`
	ExtraAllocs int     `json:"extra_allocs"`
	HitRate     float64 `json:"hit_rate"`
}

// --- audio thread -> analysis thread payloads ---

type ProcessorReady struct {
	BatchSize *int `json:"batch_size,omitempty"`
}

func (ProcessorReady) Kind() Kind { return KindProcessorReady }

type ProcessingStarted struct{}

func (ProcessingStarted) Kind() Kind { return KindProcessingStarted }

type ProcessingStopped struct{}

func (ProcessingStopped) Kind() Kind { return KindProcessingStopped }

// AudioDataBatch carries metadata about a transferred sample buffer. The
// buffer itself moves out-of-band via the transport's BufferHandle; only
// BufferID correlates the two.
type AudioDataBatch struct {
	SampleRate      float64 `json:"sample_rate"`
	SampleCount     int     `json:"sample_count"`
	BufferLengthBytes int   `json:"buffer_length_bytes"`
	TimestampMS     float64 `json:"timestamp_ms"`
	SequenceNumber  *uint32 `json:"sequence_number,omitempty"`
	BufferID        string  `json:"buffer_id"`
}

func (AudioDataBatch) Kind() Kind { return KindAudioDataBatch }

type ProcessingError struct {
	Code        ErrorKind     `json:"code"`
	Message     string        `json:"message"`
	Context     *ErrorContext `json:"context,omitempty"`
	TimestampMS float64       `json:"timestamp_ms"`
}

func (ProcessingError) Kind() Kind { return KindProcessingError }

type StatusUpdate struct {
	Active              bool             `json:"active"`
	SampleRate          float64          `json:"sample_rate"`
	BufferSize          int              `json:"buffer_size"`
	ProcessedBatches    uint32           `json:"processed_batches"`
	AvgProcessingTimeMS float64          `json:"avg_processing_time_ms"`
	MemoryUsage         *MemoryUsage     `json:"memory_usage,omitempty"`
	BufferPoolStats     *BufferPoolStats `json:"buffer_pool_stats,omitempty"`
}

func (StatusUpdate) Kind() Kind { return KindStatusUpdate }

// --- analysis thread -> audio thread payloads ---

type StartProcessing struct{}

func (StartProcessing) Kind() Kind { return KindStartProcessing }

type StopProcessing struct{}

func (StopProcessing) Kind() Kind { return KindStopProcessing }

// TestSignalConfig mirrors signalgen.Config's wire shape without importing
// the signalgen package, keeping the protocol a leaf dependency.
type TestSignalConfig struct {
	Enabled     bool    `json:"enabled"`
	FrequencyHz float64 `json:"frequency_hz"`
	Amplitude   float64 `json:"amplitude"`
	Waveform    string  `json:"waveform"`
	SampleRate  float64 `json:"sample_rate"`
}

type UpdateTestSignalConfig struct {
	Config TestSignalConfig `json:"config"`
}

func (UpdateTestSignalConfig) Kind() Kind { return KindUpdateTestSignalConfig }

type UpdateBatchConfig struct {
	BatchSize         int  `json:"batch_size"`
	MaxQueueSize      int  `json:"max_queue_size"`
	TimeoutMS         uint32 `json:"timeout_ms"`
	EnableCompression bool `json:"enable_compression"`
}

func (UpdateBatchConfig) Kind() Kind { return KindUpdateBatchConfig }

type BackgroundNoiseConfig struct {
	Enabled   bool    `json:"enabled"`
	Level     float64 `json:"level"`
	NoiseType string  `json:"noise_type"`
}

type UpdateBackgroundNoiseConfig struct {
	Config BackgroundNoiseConfig `json:"config"`
}

func (UpdateBackgroundNoiseConfig) Kind() Kind { return KindUpdateBackgroundNoiseConfig }

type ReturnBuffer struct {
	BufferID string `json:"buffer_id"`
}

func (ReturnBuffer) Kind() Kind { return KindReturnBuffer }

type GetStatus struct{}

func (GetStatus) Kind() Kind { return KindGetStatus }

// Envelope wraps a typed Payload with a correlation id and timestamp.
type Envelope struct {
	MessageID   uint32
	TimestampMS float64
	Payload     Payload
}

var messageIDCounter atomic.Uint32

// NewEnvelope creates an envelope with a freshly generated message id.
func NewEnvelope(payload Payload, timestampMS float64) Envelope {
	return Envelope{
		MessageID:   messageIDCounter.Add(1),
		TimestampMS: timestampMS,
		Payload:     payload,
	}
}

// WithID creates an envelope using a caller-specified message id, used when
// relaying or retrying rather than originating a message.
func WithID(payload Payload, messageID uint32, timestampMS float64) Envelope {
	return Envelope{MessageID: messageID, TimestampMS: timestampMS, Payload: payload}
}

// wireEnvelope is the on-the-wire JSON shape: {messageId, timestamp, payload: {type, ...fields}}.
type wireEnvelope struct {
	MessageID   uint32          `json:"messageId"`
	TimestampMS float64         `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

type wirePayload struct {
	Type Kind `json:"type"`
}

// MarshalJSON serializes the envelope as {messageId, timestamp, payload:{type,...}}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	inner, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		fields = map[string]json.RawMessage{}
	}

	typeJSON, err := json.Marshal(e.Payload.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = typeJSON

	payloadJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireEnvelope{
		MessageID:   e.MessageID,
		TimestampMS: e.TimestampMS,
		Payload:     payloadJSON,
	})
}

// UnmarshalJSON parses a wire envelope, dispatching the payload to its
// concrete type based on the "type" discriminator. Unknown variants are
// reported as a protocol error rather than silently dropped here; callers
// that want the "ignore with a warning counter" policy from the external
// interface should catch ErrUnknownVariant and count it themselves.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Newf("malformed envelope: %v", err).
			Component("protocol").
			Category(errors.CategoryValidation).
			Build()
	}

	var typeTag wirePayload
	if err := json.Unmarshal(wire.Payload, &typeTag); err != nil {
		return errors.Newf("malformed payload: %v", err).
			Component("protocol").
			Category(errors.CategoryValidation).
			Build()
	}

	payload, err := decodePayload(typeTag.Type, wire.Payload)
	if err != nil {
		return err
	}

	e.MessageID = wire.MessageID
	e.TimestampMS = wire.TimestampMS
	e.Payload = payload
	return nil
}

// ErrUnknownVariant is returned (via errors.Is through CategorizedError) for
// a "type" discriminator that decodePayload does not recognize.
var ErrUnknownVariant = errors.Newf("unknown payload variant").
	Component("protocol").
	Category(errors.CategoryValidation).
	Build()

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	unmarshal := func(v Payload) (Payload, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, errors.Newf("decoding %s payload: %v", kind, err).
				Component("protocol").
				Category(errors.CategoryValidation).
				Build()
		}
		return derefPayload(v), nil
	}

	switch kind {
	case KindProcessorReady:
		return unmarshal(&ProcessorReady{})
	case KindProcessingStarted:
		return unmarshal(&ProcessingStarted{})
	case KindProcessingStopped:
		return unmarshal(&ProcessingStopped{})
	case KindAudioDataBatch:
		return unmarshal(&AudioDataBatch{})
	case KindProcessingError:
		return unmarshal(&ProcessingError{})
	case KindStatusUpdate:
		return unmarshal(&StatusUpdate{})
	case KindStartProcessing:
		return unmarshal(&StartProcessing{})
	case KindStopProcessing:
		return unmarshal(&StopProcessing{})
	case KindUpdateTestSignalConfig:
		return unmarshal(&UpdateTestSignalConfig{})
	case KindUpdateBatchConfig:
		return unmarshal(&UpdateBatchConfig{})
	case KindUpdateBackgroundNoiseConfig:
		return unmarshal(&UpdateBackgroundNoiseConfig{})
	case KindReturnBuffer:
		return unmarshal(&ReturnBuffer{})
	case KindGetStatus:
		return unmarshal(&GetStatus{})
	default:
		return nil, ErrUnknownVariant
	}
}

// derefPayload unwraps the pointer used for json.Unmarshal back into the
// value type that satisfies Payload by value, matching how callers
// construct these variants as struct literals.
func derefPayload(v Payload) Payload {
	switch p := v.(type) {
	case *ProcessorReady:
		return *p
	case *ProcessingStarted:
		return *p
	case *ProcessingStopped:
		return *p
	case *AudioDataBatch:
		return *p
	case *ProcessingError:
		return *p
	case *StatusUpdate:
		return *p
	case *StartProcessing:
		return *p
	case *StopProcessing:
		return *p
	case *UpdateTestSignalConfig:
		return *p
	case *UpdateBatchConfig:
		return *p
	case *UpdateBackgroundNoiseConfig:
		return *p
	case *ReturnBuffer:
		return *p
	case *GetStatus:
		return *p
	default:
		return v
	}
}
