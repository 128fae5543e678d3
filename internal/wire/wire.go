// Package wire implements the thin protobuf decoder surface for the
// calibration streams. Payloads are uvarint length-prefixed protobuf bytes;
// messages are decoded field by field with protowire so the external .proto
// contracts stay external.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

// Inputs message fields.
const (
	inputsFieldBatchIndex = 1
	inputsFieldData       = 2
	inputsFieldLabels     = 3
	inputsFieldIsLast     = 4
)

// Outputs message fields.
const (
	outputsFieldBatchIndex = 1
	outputsFieldPred       = 2
	outputsFieldEOF        = 3
)

// PredictionList field (inside outputs.pred and envelope.pred).
const predFieldValues = 1

// Paired envelope fields.
const (
	envFieldBatchIndex = 1
	envFieldUserID     = 2
	envFieldSessionID  = 3
	envFieldData       = 4
	envFieldLabels     = 5
	envFieldPred       = 6
)

// InputsMessage is one labeled input batch.
type InputsMessage struct {
	BatchIndex  int32
	Data        []byte
	Labels      []int32
	IsLastBatch bool
}

// OutputsMessage is one predicted-probabilities batch.
type OutputsMessage struct {
	BatchIndex int32
	Pred       [][]float32
	EOF        bool
}

// PairedEnvelope is the joined batch published for downstream observability.
type PairedEnvelope struct {
	BatchIndex int32
	UserID     string
	SessionID  string
	Data       []byte
	Labels     []int32
	Pred       [][]float32
}

// Frame prepends the uvarint length prefix.
func Frame(msg []byte) []byte {
	out := protowire.AppendVarint(nil, uint64(len(msg)))
	return append(out, msg...)
}

// Unframe strips the uvarint length prefix and returns the message bytes.
func Unframe(b []byte) ([]byte, error) {
	n, consumed := protowire.ConsumeVarint(b)
	if consumed < 0 {
		return nil, fmt.Errorf("op=wire.unframe: %w: bad length prefix", domain.ErrPoisonMessage)
	}
	rest := b[consumed:]
	if uint64(len(rest)) < n {
		return nil, fmt.Errorf("op=wire.unframe: %w: truncated payload (%d < %d)", domain.ErrPoisonMessage, len(rest), n)
	}
	return rest[:n], nil
}

// DecodeInputs parses a framed inputs message.
func DecodeInputs(payload []byte) (InputsMessage, error) {
	b, err := Unframe(payload)
	if err != nil {
		return InputsMessage{}, err
	}
	var m InputsMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return InputsMessage{}, poison("inputs", "tag")
		}
		b = b[n:]
		switch num {
		case inputsFieldBatchIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return InputsMessage{}, poison("inputs", "batch_index")
			}
			m.BatchIndex = int32(v)
			b = b[n:]
		case inputsFieldData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return InputsMessage{}, poison("inputs", "data")
			}
			m.Data = append([]byte(nil), v...)
			b = b[n:]
		case inputsFieldLabels:
			switch typ {
			case protowire.BytesType: // packed
				packed, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return InputsMessage{}, poison("inputs", "labels")
				}
				for len(packed) > 0 {
					v, vn := protowire.ConsumeVarint(packed)
					if vn < 0 {
						return InputsMessage{}, poison("inputs", "labels")
					}
					m.Labels = append(m.Labels, int32(v))
					packed = packed[vn:]
				}
				b = b[n:]
			case protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return InputsMessage{}, poison("inputs", "labels")
				}
				m.Labels = append(m.Labels, int32(v))
				b = b[n:]
			default:
				return InputsMessage{}, poison("inputs", "labels")
			}
		case inputsFieldIsLast:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return InputsMessage{}, poison("inputs", "is_last_batch")
			}
			m.IsLastBatch = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return InputsMessage{}, poison("inputs", "unknown field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

// EncodeInputs builds a framed inputs message; used by tests and traffic
// generators.
func EncodeInputs(m InputsMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, inputsFieldBatchIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(m.BatchIndex)))
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, inputsFieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	if len(m.Labels) > 0 {
		var packed []byte
		for _, l := range m.Labels {
			packed = protowire.AppendVarint(packed, uint64(uint32(l)))
		}
		b = protowire.AppendTag(b, inputsFieldLabels, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if m.IsLastBatch {
		b = protowire.AppendTag(b, inputsFieldIsLast, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return Frame(b)
}

// DecodeOutputs parses a framed outputs message.
func DecodeOutputs(payload []byte) (OutputsMessage, error) {
	b, err := Unframe(payload)
	if err != nil {
		return OutputsMessage{}, err
	}
	var m OutputsMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return OutputsMessage{}, poison("outputs", "tag")
		}
		b = b[n:]
		switch num {
		case outputsFieldBatchIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return OutputsMessage{}, poison("outputs", "batch_index")
			}
			m.BatchIndex = int32(v)
			b = b[n:]
		case outputsFieldPred:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return OutputsMessage{}, poison("outputs", "pred")
			}
			values, err := decodePredictionList(v)
			if err != nil {
				return OutputsMessage{}, err
			}
			m.Pred = append(m.Pred, values)
			b = b[n:]
		case outputsFieldEOF:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return OutputsMessage{}, poison("outputs", "eof")
			}
			m.EOF = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return OutputsMessage{}, poison("outputs", "unknown field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

// EncodeOutputs builds a framed outputs message.
func EncodeOutputs(m OutputsMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, outputsFieldBatchIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(m.BatchIndex)))
	for _, values := range m.Pred {
		b = protowire.AppendTag(b, outputsFieldPred, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePredictionList(values))
	}
	if m.EOF {
		b = protowire.AppendTag(b, outputsFieldEOF, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return Frame(b)
}

// EncodeEnvelope builds a framed paired envelope.
func EncodeEnvelope(e PairedEnvelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envFieldBatchIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(e.BatchIndex)))
	b = protowire.AppendTag(b, envFieldUserID, protowire.BytesType)
	b = protowire.AppendString(b, e.UserID)
	b = protowire.AppendTag(b, envFieldSessionID, protowire.BytesType)
	b = protowire.AppendString(b, e.SessionID)
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, envFieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	if len(e.Labels) > 0 {
		var packed []byte
		for _, l := range e.Labels {
			packed = protowire.AppendVarint(packed, uint64(uint32(l)))
		}
		b = protowire.AppendTag(b, envFieldLabels, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	for _, values := range e.Pred {
		b = protowire.AppendTag(b, envFieldPred, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePredictionList(values))
	}
	return Frame(b)
}

// DecodeEnvelope parses a framed paired envelope; exercised by tests and
// downstream consumers.
func DecodeEnvelope(payload []byte) (PairedEnvelope, error) {
	b, err := Unframe(payload)
	if err != nil {
		return PairedEnvelope{}, err
	}
	var e PairedEnvelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return PairedEnvelope{}, poison("envelope", "tag")
		}
		b = b[n:]
		switch num {
		case envFieldBatchIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PairedEnvelope{}, poison("envelope", "batch_index")
			}
			e.BatchIndex = int32(v)
			b = b[n:]
		case envFieldUserID, envFieldSessionID, envFieldData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return PairedEnvelope{}, poison("envelope", "bytes field")
			}
			switch num {
			case envFieldUserID:
				e.UserID = string(v)
			case envFieldSessionID:
				e.SessionID = string(v)
			case envFieldData:
				e.Data = append([]byte(nil), v...)
			}
			b = b[n:]
		case envFieldLabels:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return PairedEnvelope{}, poison("envelope", "labels")
			}
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return PairedEnvelope{}, poison("envelope", "labels")
				}
				e.Labels = append(e.Labels, int32(v))
				packed = packed[vn:]
			}
			b = b[n:]
		case envFieldPred:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return PairedEnvelope{}, poison("envelope", "pred")
			}
			values, err := decodePredictionList(v)
			if err != nil {
				return PairedEnvelope{}, err
			}
			e.Pred = append(e.Pred, values)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return PairedEnvelope{}, poison("envelope", "unknown field")
			}
			b = b[n:]
		}
	}
	return e, nil
}

func decodePredictionList(b []byte) ([]float32, error) {
	var values []float32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, poison("pred", "tag")
		}
		b = b[n:]
		if num != predFieldValues {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, poison("pred", "unknown field")
			}
			b = b[n:]
			continue
		}
		switch typ {
		case protowire.BytesType: // packed floats
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 || len(packed)%4 != 0 {
				return nil, poison("pred", "values")
			}
			for i := 0; i+4 <= len(packed); i += 4 {
				v, _ := protowire.ConsumeFixed32(packed[i:])
				values = append(values, math.Float32frombits(uint32(v)))
			}
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, poison("pred", "values")
			}
			values = append(values, math.Float32frombits(uint32(v)))
			b = b[n:]
		default:
			return nil, poison("pred", "values")
		}
	}
	return values, nil
}

func encodePredictionList(values []float32) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	var b []byte
	b = protowire.AppendTag(b, predFieldValues, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

func poison(msg, field string) error {
	return fmt.Errorf("op=wire.decode_%s: %w: bad %s", msg, domain.ErrPoisonMessage, field)
}
