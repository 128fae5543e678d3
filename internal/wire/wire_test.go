package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

func TestInputsRoundTrip(t *testing.T) {
	t.Parallel()
	in := InputsMessage{
		BatchIndex:  7,
		Data:        []byte{1, 2, 3, 4},
		Labels:      []int32{0, 3, 9},
		IsLastBatch: true,
	}
	out, err := DecodeInputs(EncodeInputs(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestInputsRoundTripMinimal(t *testing.T) {
	t.Parallel()
	out, err := DecodeInputs(EncodeInputs(InputsMessage{BatchIndex: 0}))
	require.NoError(t, err)
	assert.Equal(t, int32(0), out.BatchIndex)
	assert.Empty(t, out.Data)
	assert.Empty(t, out.Labels)
	assert.False(t, out.IsLastBatch)
}

func TestOutputsRoundTrip(t *testing.T) {
	t.Parallel()
	in := OutputsMessage{
		BatchIndex: 3,
		Pred: [][]float32{
			{0.1, 0.7, 0.2},
			{0.9, 0.05, 0.05},
		},
		EOF: true,
	}
	out, err := DecodeOutputs(EncodeOutputs(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	in := PairedEnvelope{
		BatchIndex: 12,
		UserID:     "user-1",
		SessionID:  "11111111-2222-4333-8444-555555555555",
		Data:       []byte{9, 8, 7},
		Labels:     []int32{1, 2},
		Pred:       [][]float32{{0.4, 0.6}},
	}
	out, err := DecodeEnvelope(EncodeEnvelope(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnframeRejectsTruncation(t *testing.T) {
	t.Parallel()
	framed := EncodeInputs(InputsMessage{BatchIndex: 1, Data: []byte{1, 2, 3}})

	_, err := Unframe(framed[:len(framed)-2])
	assert.ErrorIs(t, err, domain.ErrPoisonMessage)

	_, err = DecodeInputs(nil)
	assert.ErrorIs(t, err, domain.ErrPoisonMessage)
}

func TestDecodeInputsRejectsGarbage(t *testing.T) {
	t.Parallel()
	// Valid frame, garbage protobuf body.
	body := Frame([]byte{0xff, 0xff, 0xff})
	_, err := DecodeInputs(body)
	assert.ErrorIs(t, err, domain.ErrPoisonMessage)

	_, err = DecodeOutputs(body)
	assert.ErrorIs(t, err, domain.ErrPoisonMessage)
}

func TestDecodeOutputsRejectsOddPackedFloats(t *testing.T) {
	t.Parallel()
	framed := EncodeOutputs(OutputsMessage{BatchIndex: 1, Pred: [][]float32{{0.5, 0.5}}})
	// Truncating the packed float payload leaves a length mismatch.
	corrupted := append([]byte(nil), framed...)
	corrupted = corrupted[:len(corrupted)-1]
	_, err := DecodeOutputs(corrupted)
	assert.ErrorIs(t, err, domain.ErrPoisonMessage)
}
