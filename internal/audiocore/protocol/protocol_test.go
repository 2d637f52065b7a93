package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeAssignsIncreasingMessageIDs(t *testing.T) {
	a := NewEnvelope(GetStatus{}, 1)
	b := NewEnvelope(GetStatus{}, 2)
	assert.Less(t, a.MessageID, b.MessageID)
}

func TestEnvelopeRoundTripAudioDataBatch(t *testing.T) {
	seq := uint32(7)
	original := NewEnvelope(AudioDataBatch{
		SampleRate:        48000,
		SampleCount:       1024,
		BufferLengthBytes: 4096,
		TimestampMS:       123.5,
		SequenceNumber:    &seq,
		BufferID:          "buf-1",
	}, 999.0)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.MessageID, decoded.MessageID)
	assert.Equal(t, original.TimestampMS, decoded.TimestampMS)

	batch, ok := decoded.Payload.(AudioDataBatch)
	require.True(t, ok)
	assert.Equal(t, 48000.0, batch.SampleRate)
	assert.Equal(t, 1024, batch.SampleCount)
	assert.Equal(t, "buf-1", batch.BufferID)
	require.NotNil(t, batch.SequenceNumber)
	assert.Equal(t, uint32(7), *batch.SequenceNumber)
}

func TestEnvelopeRoundTripProcessingError(t *testing.T) {
	loc := "worklet::process"
	original := NewEnvelope(ProcessingError{
		Code:        ErrorBufferOverflow,
		Message:     "pool exhausted",
		Context:     &ErrorContext{Location: loc},
		TimestampMS: 42,
	}, 1)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	pe, ok := decoded.Payload.(ProcessingError)
	require.True(t, ok)
	assert.Equal(t, ErrorBufferOverflow, pe.Code)
	assert.Equal(t, "pool exhausted", pe.Message)
	require.NotNil(t, pe.Context)
	assert.Equal(t, loc, pe.Context.Location)
}

func TestEnvelopeRoundTripStatusUpdateWithOptionalFields(t *testing.T) {
	original := NewEnvelope(StatusUpdate{
		Active:              true,
		SampleRate:          48000,
		BufferSize:          1024,
		ProcessedBatches:    12,
		AvgProcessingTimeMS: 3.4,
		MemoryUsage:         &MemoryUsage{HeapSizeBytes: 1024, UsedHeapBytes: 512, ActiveBuffers: 4},
		BufferPoolStats:     &BufferPoolStats{PoolSize: 8, InFlight: 2, Free: 6, ExtraAllocs: 0, HitRate: 1.0},
	}, 1)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	su, ok := decoded.Payload.(StatusUpdate)
	require.True(t, ok)
	assert.Equal(t, uint32(12), su.ProcessedBatches)
	require.NotNil(t, su.BufferPoolStats)
	assert.Equal(t, 8, su.BufferPoolStats.PoolSize)
}

func TestEnvelopeRoundTripEmptyVariants(t *testing.T) {
	variants := []Payload{
		ProcessingStarted{},
		ProcessingStopped{},
		StartProcessing{},
		StopProcessing{},
		GetStatus{},
	}

	for _, v := range variants {
		env := NewEnvelope(v, 0)
		data, err := json.Marshal(env)
		require.NoError(t, err)

		var decoded Envelope
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, v.Kind(), decoded.Payload.Kind())
	}
}

func TestUnmarshalUnknownVariantErrors(t *testing.T) {
	raw := []byte(`{"messageId":1,"timestamp":0,"payload":{"type":"not_a_real_variant"}}`)

	var decoded Envelope
	err := json.Unmarshal(raw, &decoded)
	require.Error(t, err)
}

func TestUnmarshalMalformedEnvelopeErrors(t *testing.T) {
	raw := []byte(`not json`)

	var decoded Envelope
	err := json.Unmarshal(raw, &decoded)
	require.Error(t, err)
}

func TestReturnBufferRoundTrip(t *testing.T) {
	env := NewEnvelope(ReturnBuffer{BufferID: "abc"}, 0)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	rb, ok := decoded.Payload.(ReturnBuffer)
	require.True(t, ok)
	assert.Equal(t, "abc", rb.BufferID)
}
