// Package domain holds the core entities and ports of the calibration
// orchestrator. It stays free of adapter dependencies.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrWrongStage      = errors.New("operation not valid in current stage")
	ErrNotCalibrated   = errors.New("model not calibrated")
	ErrPoisonMessage   = errors.New("poison message")
)

// SessionStatus is the externally visible state of a session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusTimeout    SessionStatus = "TIMEOUT"
	StatusCompleted  SessionStatus = "COMPLETED"
)

// PathSegment returns the lowercase form used by the Connections service URL.
func (s SessionStatus) PathSegment() string {
	switch s {
	case StatusTimeout:
		return "timeout"
	case StatusCompleted:
		return "completed"
	default:
		return "in_progress"
	}
}

// Session is one end-to-end calibration run for one client.
type Session struct {
	ID             string
	UserID         string
	InputsFormat   string
	RecipientEmail string
	Stage          CalibrationStage
	BatchCounter   int
	Status         SessionStatus
	CreatedAt      time.Time
}

// ScoresRecord is the durable, incrementally updated calibration state of a
// session. One row per session, single writer (the owning worker).
type ScoresRecord struct {
	SessionID     string
	Stage         CalibrationStage
	BatchCounter  int
	Alpha         float64
	Scores        []byte // sorted conformity scores, float64 LE
	Alphas        []float64
	Uncertainties []float64
	Coverages     []float64
	SetSizes      []float64
	Confidences   []byte // per-sample max probability, float32 LE
	Accuracy      float64
	CorrectPreds  int64
	TotalSamples  int64
}

// ScoresUpdate is one atomic mutation of a ScoresRecord. Scalar fields
// replace; Push* fields append server-side; AppendConfidences concatenates
// server-side. Appends are commutative under at-least-once retries.
type ScoresUpdate struct {
	Stage        *CalibrationStage
	BatchCounter *int
	Alpha        *float64
	Scores       []byte
	Accuracy     *float64
	CorrectPreds *int64
	TotalSamples *int64

	PushAlphas        []float64
	PushUncertainties []float64
	PushCoverages     []float64
	PushSetSizes      []float64
	AppendConfidences []byte
}

// Results is the terminal output of a finished session, consumed by the
// report builder.
type Results struct {
	Metrics    ResultMetrics
	History    ResultHistory
	RawData    []float32 // concatenated confidences
	Parameters ResultParameters
}

type ResultMetrics struct {
	Accuracy              float64
	UncertaintyUpperBound float64
	EmpiricalCoverage     float64
	MaxSetSize            float64
	Alpha                 float64
}

type ResultHistory struct {
	Alphas        []float64
	Uncertainty   []float64
	BatchCoverage []float64
	BatchSetSizes []float64
}

type ResultParameters struct {
	AlphaStd float64
	UStd     float64
}

// Repositories (ports)

// ScoresRepository persists the incrementally updated calibration state.
type ScoresRepository interface {
	// Create inserts the session row if absent (on-conflict-do-nothing).
	Create(ctx context.Context, sessionID string) error
	// Latest loads the current record; ErrNotFound when absent.
	Latest(ctx context.Context, sessionID string) (ScoresRecord, error)
	// Apply applies one update atomically.
	Apply(ctx context.Context, sessionID string, u ScoresUpdate) error
}

// BatchRepository stores raw batch payloads for crash recovery.
type BatchRepository interface {
	WriteInputs(ctx context.Context, sessionID string, batchIndex int, payload []byte) error
	WriteOutputs(ctx context.Context, sessionID string, batchIndex int, payload []byte) error
	// InputsForSession returns persisted input payloads in insertion order.
	InputsForSession(ctx context.Context, sessionID string) ([][]byte, error)
	OutputsForSession(ctx context.Context, sessionID string) ([][]byte, error)
}

// StatusPoster updates the session status at the Connections service.
// Failures are logged by callers and never block a terminal transition.
type StatusPoster interface {
	PutStatus(ctx context.Context, sessionID string, status SessionStatus, userID string) error
}

// ReportBuilder produces and delivers the end-of-session report.
type ReportBuilder interface {
	Generate(ctx context.Context, sessionID string, results Results) (path string, err error)
	Send(ctx context.Context, recipient, attachmentPath string) error
}

// Publisher emits best-effort observability envelopes (paired batches).
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Claimer guards session ownership across replicas. Advisory: a Claimer
// failure must not prevent a session from being served.
type Claimer interface {
	// Acquire returns false when another replica already owns the session.
	Acquire(ctx context.Context, sessionID, owner string) (bool, error)
	Release(ctx context.Context, sessionID, owner string) error
}
