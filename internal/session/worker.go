package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/observability"
	"github.com/fairyhunter13/conformal-calibrator/internal/config"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
	"github.com/fairyhunter13/conformal-calibrator/internal/tensor"
)

// Completion is the supervisor notification sent when a worker exits.
type Completion struct {
	SessionID string
	UserID    string
}

// WorkerDeps bundles the ports a worker needs. The broker connection is not
// here: every worker dials its own.
type WorkerDeps struct {
	Scores   domain.ScoresRepository
	Batches  domain.BatchRepository
	Status   domain.StatusPoster
	Reporter domain.ReportBuilder
}

// Worker owns the full lifecycle of one calibration session: its broker
// connection, its pairer and calculator, the inactivity watchdog, and the
// terminal status transition.
type Worker struct {
	cfg     config.Config
	session domain.Session
	format  tensor.Format
	deps    WorkerDeps
	log     *slog.Logger

	completed chan<- Completion

	lastMsgMu sync.Mutex
	lastMsg   time.Time

	statusMu sync.Mutex
	status   domain.SessionStatus

	eofCh chan struct{}
}

// NewWorker constructs a worker for one session.
func NewWorker(cfg config.Config, sess domain.Session, format tensor.Format,
	deps WorkerDeps, completed chan<- Completion, log *slog.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		session:   sess,
		format:    format,
		deps:      deps,
		log:       log.With(slog.String("session_id", sess.ID), slog.String("user_id", sess.UserID)),
		completed: completed,
		status:    domain.StatusInProgress,
		eofCh:     make(chan struct{}, 1),
	}
}

// Run drives the session until EOF, timeout, or cancellation. It always
// notifies the supervisor's completed channel on return.
func (w *Worker) Run(ctx context.Context) {
	observability.SessionsActive.Inc()
	defer observability.SessionsActive.Dec()
	defer func() {
		observability.SessionsTotal.WithLabelValues(string(w.Status())).Inc()
		w.completed <- Completion{SessionID: w.session.ID, UserID: w.session.UserID}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	broker, err := rabbitmq.Dial(runCtx, w.cfg.AMQPURL(), w.log)
	if err != nil {
		w.log.Error("session broker dial failed", slog.Any("error", err))
		return
	}
	defer func() { _ = broker.Close() }()

	ch, err := broker.Channel(runCtx, 1)
	if err != nil {
		w.log.Error("session channel failed", slog.Any("error", err))
		return
	}
	defer func() { _ = ch.Close() }()

	if err := rabbitmq.SetupSessionTopology(ch, w.session.ID); err != nil {
		w.log.Error("session topology failed", slog.Any("error", err))
		return
	}

	calc := NewCalculator(w.session.ID, w.cfg.CalibrationLimit, w.cfg.UncertaintyLimit, w.deps.Scores, w.log)
	if err := calc.Restore(runCtx); err != nil {
		w.log.Error("calibration restore failed", slog.Any("error", err))
		return
	}
	pairer := NewPairer(w.session.ID, w.session.UserID, w.format, calc,
		w.deps.Batches, ch, w.log, w.signalEOF)
	if err := pairer.RestoreState(runCtx); err != nil {
		w.log.Error("pairer restore failed", slog.Any("error", err))
		return
	}

	w.touch()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watchdog(runCtx, cancel)
	}()

	// Both streams consume on one shared channel with prefetch 1, so at
	// most one delivery is unacknowledged at a time across the session;
	// pairer calls are additionally serialized through pairMu.
	var pairMu sync.Mutex
	handlerFor := func(queue string, handle func(context.Context, []byte) error) rabbitmq.Handler {
		return func(hctx context.Context, d amqp.Delivery) error {
			w.touch()
			pairMu.Lock()
			defer pairMu.Unlock()
			if herr := handle(hctx, d.Body); herr != nil {
				if errors.Is(herr, domain.ErrPoisonMessage) {
					observability.PoisonMessagesTotal.WithLabelValues(queue).Inc()
				}
				return herr
			}
			return nil
		}
	}
	consumeStreams := func(cch *rabbitmq.Channel) error {
		sctx, scancel := context.WithCancel(runCtx)
		defer scancel()
		errCh := make(chan error, 2)
		var cwg sync.WaitGroup
		consume := func(queue string, handle func(context.Context, []byte) error) {
			defer cwg.Done()
			if cerr := cch.Consume(sctx, queue, queue, handlerFor(queue, handle)); cerr != nil {
				errCh <- cerr
				scancel()
			}
		}
		cwg.Add(2)
		go consume(rabbitmq.InputsQueue(w.session.ID), pairer.HandleInputs)
		go consume(rabbitmq.OutputsQueue(w.session.ID), pairer.HandleOutputs)
		cwg.Wait()
		select {
		case cerr := <-errCh:
			return cerr
		default:
			return nil
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for runCtx.Err() == nil {
			cch, err := broker.Channel(runCtx, 1)
			if err != nil {
				if runCtx.Err() == nil {
					w.log.Error("session consumer channel failed", slog.Any("error", err))
					cancel()
				}
				return
			}
			err = consumeStreams(cch)
			_ = cch.Close()
			if err == nil {
				return
			}
			w.log.Warn("session consumers stopped, reopening channel", slog.Any("error", err))
		}
	}()

	cleanup := func() {
		if err := ch.DeleteQueue(rabbitmq.InputsQueue(w.session.ID)); err != nil {
			w.log.Warn("inputs queue cleanup failed", slog.Any("error", err))
		}
		if err := ch.DeleteQueue(rabbitmq.OutputsQueue(w.session.ID)); err != nil {
			w.log.Warn("outputs queue cleanup failed", slog.Any("error", err))
		}
	}

	select {
	case <-runCtx.Done():
	case <-w.eofCh:
		w.finish(ctx, calc, cleanup)
		cancel()
	}
	wg.Wait()
}

// finish runs the EOF path: report in production, COMPLETED status, queue
// cleanup. Status failures never block the terminal transition.
func (w *Worker) finish(ctx context.Context, calc *Calculator, cleanup func()) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	w.setStatus(domain.StatusCompleted)
	if err := calc.Finish(finishCtx); err != nil {
		w.log.Error("finish transition failed", slog.Any("error", err))
	}

	if w.cfg.IsProduction() && w.session.RecipientEmail != "" {
		w.report(finishCtx, calc)
	}

	if err := w.deps.Status.PutStatus(finishCtx, w.session.ID, domain.StatusCompleted, w.session.UserID); err != nil {
		w.log.Warn("completed status update failed", slog.Any("error", err))
	}

	if cleanup != nil {
		cleanup()
	}
	w.log.Info("session completed")
}

func (w *Worker) report(ctx context.Context, calc *Calculator) {
	results, err := calc.Results()
	if err != nil {
		w.log.Error("results unavailable for report", slog.Any("error", err))
		return
	}
	path, err := w.deps.Reporter.Generate(ctx, w.session.ID, results)
	if err != nil {
		w.log.Error("report generation failed", slog.Any("error", err))
		return
	}
	if err := w.deps.Reporter.Send(ctx, w.session.RecipientEmail, path); err != nil {
		w.log.Error("report delivery failed", slog.Any("error", err))
	}
}

// watchdog samples the last-message timestamp at half the timeout interval
// and terminates the session when the client goes quiet.
func (w *Worker) watchdog(ctx context.Context, cancel context.CancelFunc) {
	timeout := w.cfg.ClientTimeout()
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(w.lastMessage()) <= timeout {
				continue
			}
			if w.Status() != domain.StatusInProgress {
				return
			}
			w.setStatus(domain.StatusTimeout)
			w.log.Warn("session timed out", slog.Duration("timeout", timeout))
			putCtx, putCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := w.deps.Status.PutStatus(putCtx, w.session.ID, domain.StatusTimeout, w.session.UserID); err != nil {
				w.log.Warn("timeout status update failed", slog.Any("error", err))
			}
			putCancel()
			cancel()
			return
		}
	}
}

func (w *Worker) touch() {
	w.lastMsgMu.Lock()
	w.lastMsg = time.Now()
	w.lastMsgMu.Unlock()
}

func (w *Worker) lastMessage() time.Time {
	w.lastMsgMu.Lock()
	defer w.lastMsgMu.Unlock()
	return w.lastMsg
}

// Status is the externally visible session state.
func (w *Worker) Status() domain.SessionStatus {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s domain.SessionStatus) {
	w.statusMu.Lock()
	w.status = s
	w.statusMu.Unlock()
}

func (w *Worker) signalEOF() {
	select {
	case w.eofCh <- struct{}{}:
	default:
	}
}
