package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/conformal-calibrator/internal/config"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain/mocks"
	"github.com/fairyhunter13/conformal-calibrator/internal/tensor"
)

func testConfig() config.Config {
	return config.Config{
		Environment:          "TEST",
		PodName:              "test-pod",
		ClientTimeoutSeconds: 1,
		CalibrationLimit:     testCL,
		UncertaintyLimit:     testUL,
		UpperBoundClients:    4,
		MaxRetries:           1,
	}
}

func testSession() domain.Session {
	return domain.Session{
		ID:             "11111111-2222-4333-8444-555555555555",
		UserID:         "user-1",
		RecipientEmail: "user@example.com",
		Status:         domain.StatusInProgress,
	}
}

func newTestWorker(cfg config.Config, status *mocks.StatusPoster, reporter *mocks.ReportBuilder) (*Worker, chan Completion) {
	completed := make(chan Completion, 1)
	deps := WorkerDeps{
		Scores:   acceptingRepo(),
		Batches:  &mocks.BatchRepository{},
		Status:   status,
		Reporter: reporter,
	}
	w := NewWorker(cfg, testSession(), tensor.DefaultFormat(), deps, completed, discardLogger())
	return w, completed
}

func TestWatchdogTimesOutIdleSession(t *testing.T) {
	t.Parallel()
	status := &mocks.StatusPoster{}
	status.On("PutStatus", mock.Anything, testSession().ID, domain.StatusTimeout, "user-1").Return(nil)

	w, _ := newTestWorker(testConfig(), status, &mocks.ReportBuilder{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.touch()
	done := make(chan struct{})
	go func() {
		w.watchdog(ctx, cancel)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.Equal(t, domain.StatusTimeout, w.Status())
	assert.Error(t, ctx.Err(), "watchdog cancels the session")
	status.AssertExpectations(t)
}

func TestWatchdogStaysQuietWhileActive(t *testing.T) {
	t.Parallel()
	status := &mocks.StatusPoster{}
	w, _ := newTestWorker(testConfig(), status, &mocks.ReportBuilder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.watchdog(ctx, cancel)
		close(done)
	}()

	// Keep touching for a while, then stop the watchdog ourselves.
	for i := 0; i < 4; i++ {
		time.Sleep(300 * time.Millisecond)
		w.touch()
	}
	cancel()
	<-done

	assert.Equal(t, domain.StatusInProgress, w.Status())
	status.AssertNotCalled(t, "PutStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFinishPostsCompletedWithoutReportInTest(t *testing.T) {
	t.Parallel()
	status := &mocks.StatusPoster{}
	status.On("PutStatus", mock.Anything, testSession().ID, domain.StatusCompleted, "user-1").Return(nil)
	reporter := &mocks.ReportBuilder{}

	w, _ := newTestWorker(testConfig(), status, reporter)
	calc := NewCalculator(testSession().ID, testCL, testUL, acceptingRepo(), discardLogger())

	cleaned := false
	w.finish(context.Background(), calc, func() { cleaned = true })

	assert.Equal(t, domain.StatusCompleted, w.Status())
	assert.True(t, cleaned)
	status.AssertExpectations(t)
	reporter.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinishBuildsAndSendsReportInProduction(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Environment = "PRODUCTION"

	status := &mocks.StatusPoster{}
	status.On("PutStatus", mock.Anything, testSession().ID, domain.StatusCompleted, "user-1").Return(nil)
	reporter := &mocks.ReportBuilder{}
	reporter.On("Generate", mock.Anything, testSession().ID, mock.Anything).Return("/tmp/report.pdf", nil)
	reporter.On("Send", mock.Anything, "user@example.com", "/tmp/report.pdf").Return(nil)

	w, _ := newTestWorker(cfg, status, reporter)
	calc := NewCalculator(testSession().ID, testCL, testUL, acceptingRepo(), discardLogger())

	w.finish(context.Background(), calc, nil)
	reporter.AssertExpectations(t)
	status.AssertExpectations(t)
}

func TestFinishToleratesStatusFailure(t *testing.T) {
	t.Parallel()
	status := &mocks.StatusPoster{}
	status.On("PutStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

	w, _ := newTestWorker(testConfig(), status, &mocks.ReportBuilder{})
	calc := NewCalculator(testSession().ID, testCL, testUL, acceptingRepo(), discardLogger())

	w.finish(context.Background(), calc, nil)
	assert.Equal(t, domain.StatusCompleted, w.Status(), "terminal transition survives the failed PUT")
}

func TestSignalEOFIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := newTestWorker(testConfig(), &mocks.StatusPoster{}, &mocks.ReportBuilder{})
	w.signalEOF()
	w.signalEOF()
	w.signalEOF()

	<-w.eofCh
	select {
	case <-w.eofCh:
		t.Fatal("EOF signal delivered more than once")
	default:
	}
}

func TestWorkerNotifiesSupervisorOnBrokerFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	// Unreachable broker; the dial aborts once the context is cancelled.
	cfg.RabbitMQHost = "127.0.0.1"
	cfg.RabbitMQPort = 1

	w, completed := newTestWorker(cfg, &mocks.StatusPoster{}, &mocks.ReportBuilder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	go w.Run(ctx)
	select {
	case done := <-completed:
		require.Equal(t, testSession().ID, done.SessionID)
		assert.Equal(t, "user-1", done.UserID)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not notify the supervisor")
	}
}
