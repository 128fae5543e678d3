package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/observability"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
	"github.com/fairyhunter13/conformal-calibrator/internal/tensor"
	"github.com/fairyhunter13/conformal-calibrator/internal/wire"
)

type pairSlot struct {
	inputs    *wire.InputsMessage
	outputs   *wire.OutputsMessage
	processed bool
}

func (s *pairSlot) complete() bool { return s.inputs != nil && s.outputs != nil }

// Pairer joins the inputs and outputs streams by batch index, drops
// duplicates, persists raw payloads for crash recovery, dispatches complete
// batches to the calculator, and detects end of stream. Not safe for
// concurrent use; the worker serializes all calls.
type Pairer struct {
	sessionID string
	userID    string
	format    tensor.Format
	calc      *Calculator
	batches   domain.BatchRepository
	publisher domain.Publisher
	log       *slog.Logger

	slots      map[int32]*pairSlot
	inputsEOF  bool
	outputsEOF bool
	eofFired   bool
	restoring  bool
	onEOF      func()
}

// NewPairer constructs a Pairer. onEOF fires exactly once, when both
// terminal markers are seen and every paired batch has been processed.
func NewPairer(sessionID, userID string, format tensor.Format, calc *Calculator,
	batches domain.BatchRepository, publisher domain.Publisher, log *slog.Logger, onEOF func()) *Pairer {
	return &Pairer{
		sessionID: sessionID,
		userID:    userID,
		format:    format,
		calc:      calc,
		batches:   batches,
		publisher: publisher,
		log:       log,
		slots:     make(map[int32]*pairSlot),
		onEOF:     onEOF,
	}
}

// HandleInputs processes one delivery from the inputs queue.
func (p *Pairer) HandleInputs(ctx context.Context, payload []byte) error {
	msg, err := wire.DecodeInputs(payload)
	if err != nil {
		return err
	}
	return p.storeInputs(ctx, msg, payload, true)
}

// HandleOutputs processes one delivery from the outputs queue.
func (p *Pairer) HandleOutputs(ctx context.Context, payload []byte) error {
	msg, err := wire.DecodeOutputs(payload)
	if err != nil {
		return err
	}
	return p.storeOutputs(ctx, msg, payload, true)
}

func (p *Pairer) storeInputs(ctx context.Context, msg wire.InputsMessage, payload []byte, persist bool) error {
	// The decoded tensor is not needed by the UQ stages, but a malformed
	// data payload must be rejected before it is persisted or counted.
	if len(msg.Data) > 0 {
		if _, err := tensor.Decode(msg.Data, p.format); err != nil {
			return fmt.Errorf("op=pairer.store_inputs: %w: %v", domain.ErrPoisonMessage, err)
		}
	}

	slot := p.slot(msg.BatchIndex)
	if slot.inputs != nil {
		p.log.Warn("duplicate inputs batch dropped",
			slog.String("session_id", p.sessionID),
			slog.Int("batch_index", int(msg.BatchIndex)))
		observability.DuplicatesDroppedTotal.WithLabelValues("inputs").Inc()
		return nil
	}
	if persist {
		if err := p.batches.WriteInputs(ctx, p.sessionID, int(msg.BatchIndex), payload); err != nil {
			return err
		}
	}
	slot.inputs = &msg
	if msg.IsLastBatch {
		p.inputsEOF = true
	}
	return p.dispatch(ctx, msg.BatchIndex, slot)
}

func (p *Pairer) storeOutputs(ctx context.Context, msg wire.OutputsMessage, payload []byte, persist bool) error {
	slot := p.slot(msg.BatchIndex)
	if slot.outputs != nil {
		p.log.Warn("duplicate outputs batch dropped",
			slog.String("session_id", p.sessionID),
			slog.Int("batch_index", int(msg.BatchIndex)))
		observability.DuplicatesDroppedTotal.WithLabelValues("outputs").Inc()
		return nil
	}
	if persist {
		if err := p.batches.WriteOutputs(ctx, p.sessionID, int(msg.BatchIndex), payload); err != nil {
			return err
		}
	}
	slot.outputs = &msg
	if msg.EOF {
		p.outputsEOF = true
	}
	return p.dispatch(ctx, msg.BatchIndex, slot)
}

func (p *Pairer) slot(idx int32) *pairSlot {
	s, ok := p.slots[idx]
	if !ok {
		s = &pairSlot{}
		p.slots[idx] = s
	}
	return s
}

// dispatch runs a complete batch through the calculator and publishes the
// paired envelope. During replay, batches already reflected in the
// persisted counter are skipped (resume idempotency); live batches complete
// in arbitrary order and are always processed.
func (p *Pairer) dispatch(ctx context.Context, idx int32, slot *pairSlot) error {
	if !slot.complete() || slot.processed {
		p.checkEOF(ctx)
		return nil
	}

	if p.restoring && int(idx) < p.calc.BatchCounter() {
		slot.processed = true
		p.log.Debug("skipping already processed batch",
			slog.String("session_id", p.sessionID),
			slog.Int("batch_index", int(idx)))
		p.checkEOF(ctx)
		return nil
	}

	probs := make([][]float64, len(slot.outputs.Pred))
	for i, row := range slot.outputs.Pred {
		probs[i] = make([]float64, len(row))
		for j, v := range row {
			probs[i][j] = float64(v)
		}
	}
	labels := make([]int, len(slot.inputs.Labels))
	for i, l := range slot.inputs.Labels {
		labels[i] = int(l)
	}

	entry := Entry{BatchIndex: int(idx), Probs: probs, Labels: labels}
	if err := p.calc.ProcessEntry(ctx, entry); err != nil {
		observability.UQFailuresTotal.Inc()
		return err
	}
	slot.processed = true
	observability.BatchesPairedTotal.Inc()

	p.publishPaired(ctx, idx, slot)
	p.checkEOF(ctx)
	return nil
}

// publishPaired emits the joined batch to the observability exchange.
// Best effort: failures are logged and counted, never propagated.
func (p *Pairer) publishPaired(ctx context.Context, idx int32, slot *pairSlot) {
	if p.publisher == nil {
		return
	}
	body := wire.EncodeEnvelope(wire.PairedEnvelope{
		BatchIndex: idx,
		UserID:     p.userID,
		SessionID:  p.sessionID,
		Data:       slot.inputs.Data,
		Labels:     slot.inputs.Labels,
		Pred:       slot.outputs.Pred,
	})
	if err := p.publisher.Publish(ctx, rabbitmq.MLFlowExchange, rabbitmq.MLFlowRoutingKey, body); err != nil {
		observability.PublishFailuresTotal.Inc()
		p.log.Warn("paired envelope publish failed",
			slog.String("session_id", p.sessionID),
			slog.Int("batch_index", int(idx)),
			slog.Any("error", err))
	}
}

// checkEOF fires the EOF callback once both terminal markers are present
// and every known batch is fully paired and processed.
func (p *Pairer) checkEOF(_ context.Context) {
	if p.eofFired || !p.inputsEOF || !p.outputsEOF {
		return
	}
	for _, slot := range p.slots {
		if !slot.complete() || !slot.processed {
			return
		}
	}
	p.eofFired = true
	p.log.Info("both streams reached end of stream", slog.String("session_id", p.sessionID))
	if p.onEOF != nil {
		p.onEOF()
	}
}

// RestoreState replays the persisted raw payloads through the normal decode
// and store path without re-persisting, rebuilding the in-memory map and
// the EOF flags after a crash. Rows that no longer decode are skipped so a
// single poison payload cannot wedge the session forever.
func (p *Pairer) RestoreState(ctx context.Context) error {
	inputs, err := p.batches.InputsForSession(ctx, p.sessionID)
	if err != nil {
		return err
	}
	outputs, err := p.batches.OutputsForSession(ctx, p.sessionID)
	if err != nil {
		return err
	}
	p.restoring = true
	defer func() { p.restoring = false }()
	for _, payload := range inputs {
		msg, err := wire.DecodeInputs(payload)
		if err == nil {
			err = p.storeInputs(ctx, msg, payload, false)
		}
		if err != nil {
			if errors.Is(err, domain.ErrPoisonMessage) {
				p.log.Warn("skipping undecodable persisted inputs batch",
					slog.String("session_id", p.sessionID), slog.Any("error", err))
				continue
			}
			return err
		}
	}
	for _, payload := range outputs {
		msg, err := wire.DecodeOutputs(payload)
		if err == nil {
			err = p.storeOutputs(ctx, msg, payload, false)
		}
		if err != nil {
			if errors.Is(err, domain.ErrPoisonMessage) {
				p.log.Warn("skipping undecodable persisted outputs batch",
					slog.String("session_id", p.sessionID), slog.Any("error", err))
				continue
			}
			return err
		}
	}
	if len(inputs) > 0 || len(outputs) > 0 {
		p.log.Info("pairer state restored",
			slog.String("session_id", p.sessionID),
			slog.Int("inputs", len(inputs)),
			slog.Int("outputs", len(outputs)))
	}
	return nil
}
