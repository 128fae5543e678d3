// Package mocks provides testify mocks for the domain ports.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

// ScoresRepository mocks domain.ScoresRepository.
type ScoresRepository struct{ mock.Mock }

func (m *ScoresRepository) Create(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *ScoresRepository) Latest(ctx context.Context, sessionID string) (domain.ScoresRecord, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(domain.ScoresRecord), args.Error(1)
}

func (m *ScoresRepository) Apply(ctx context.Context, sessionID string, u domain.ScoresUpdate) error {
	args := m.Called(ctx, sessionID, u)
	return args.Error(0)
}

// BatchRepository mocks domain.BatchRepository.
type BatchRepository struct{ mock.Mock }

func (m *BatchRepository) WriteInputs(ctx context.Context, sessionID string, batchIndex int, payload []byte) error {
	args := m.Called(ctx, sessionID, batchIndex, payload)
	return args.Error(0)
}

func (m *BatchRepository) WriteOutputs(ctx context.Context, sessionID string, batchIndex int, payload []byte) error {
	args := m.Called(ctx, sessionID, batchIndex, payload)
	return args.Error(0)
}

func (m *BatchRepository) InputsForSession(ctx context.Context, sessionID string) ([][]byte, error) {
	args := m.Called(ctx, sessionID)
	if v := args.Get(0); v != nil {
		return v.([][]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *BatchRepository) OutputsForSession(ctx context.Context, sessionID string) ([][]byte, error) {
	args := m.Called(ctx, sessionID)
	if v := args.Get(0); v != nil {
		return v.([][]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

// StatusPoster mocks domain.StatusPoster.
type StatusPoster struct{ mock.Mock }

func (m *StatusPoster) PutStatus(ctx context.Context, sessionID string, status domain.SessionStatus, userID string) error {
	args := m.Called(ctx, sessionID, status, userID)
	return args.Error(0)
}

// ReportBuilder mocks domain.ReportBuilder.
type ReportBuilder struct{ mock.Mock }

func (m *ReportBuilder) Generate(ctx context.Context, sessionID string, results domain.Results) (string, error) {
	args := m.Called(ctx, sessionID, results)
	return args.String(0), args.Error(1)
}

func (m *ReportBuilder) Send(ctx context.Context, recipient, attachmentPath string) error {
	args := m.Called(ctx, recipient, attachmentPath)
	return args.Error(0)
}

// Publisher mocks domain.Publisher.
type Publisher struct{ mock.Mock }

func (m *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	args := m.Called(ctx, exchange, routingKey, body)
	return args.Error(0)
}

// Claimer mocks domain.Claimer.
type Claimer struct{ mock.Mock }

func (m *Claimer) Acquire(ctx context.Context, sessionID, owner string) (bool, error) {
	args := m.Called(ctx, sessionID, owner)
	return args.Bool(0), args.Error(1)
}

func (m *Claimer) Release(ctx context.Context, sessionID, owner string) error {
	args := m.Called(ctx, sessionID, owner)
	return args.Error(0)
}
