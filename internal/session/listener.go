package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/observability"
	"github.com/fairyhunter13/conformal-calibrator/internal/config"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
	"github.com/fairyhunter13/conformal-calibrator/internal/tensor"
)

const listenerConsumerTag = "calibration-listener"

// Notification is the new-session message consumed from the shared
// connections queue.
type Notification struct {
	UserID       string `json:"user_id" validate:"required"`
	SessionID    string `json:"session_id" validate:"required,uuid4"`
	InputsFormat string `json:"inputs_format"`
	Email        string `json:"email" validate:"omitempty,email"`
}

// Listener supervises session workers: it consumes new-session
// notifications, spawns one worker per session, prunes finished workers,
// and drains everything on shutdown.
type Listener struct {
	cfg     config.Config
	broker  *rabbitmq.Session
	deps    WorkerDeps
	claimer domain.Claimer
	log     *slog.Logger

	validate *validator.Validate

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	workers sync.WaitGroup

	completed chan Completion
	monitor   sync.WaitGroup

	shutdownOnce sync.Once
	rootCancel   context.CancelFunc
}

// NewListener wires the supervisor. claimer may be nil when no Redis is
// configured; the guard is advisory either way.
func NewListener(cfg config.Config, broker *rabbitmq.Session, deps WorkerDeps,
	claimer domain.Claimer, log *slog.Logger) *Listener {
	return &Listener{
		cfg:       cfg,
		broker:    broker,
		deps:      deps,
		claimer:   claimer,
		log:       log,
		validate:  validator.New(),
		active:    make(map[string]context.CancelFunc),
		completed: make(chan Completion, cfg.UpperBoundClients),
	}
}

// Start declares the listener topology and consumes notifications until the
// context is cancelled. The broker will not deliver more unacked
// notifications than the configured client upper bound.
func (l *Listener) Start(ctx context.Context) error {
	rootCtx, cancel := context.WithCancel(ctx)
	l.rootCancel = cancel

	l.monitor.Add(1)
	go l.removalMonitor()

	for rootCtx.Err() == nil {
		ch, err := l.broker.Channel(rootCtx, l.cfg.UpperBoundClients)
		if err != nil {
			if rootCtx.Err() != nil {
				break
			}
			return fmt.Errorf("op=listener.start: %w", err)
		}
		if err := rabbitmq.SetupListenerTopology(ch); err != nil {
			_ = ch.Close()
			return fmt.Errorf("op=listener.start: %w", err)
		}
		l.log.Info("listening for new sessions",
			slog.String("queue", rabbitmq.ConnectionsQueue),
			slog.Int("prefetch", l.cfg.UpperBoundClients))

		err = ch.Consume(rootCtx, rabbitmq.ConnectionsQueue, listenerConsumerTag, func(hctx context.Context, d amqp.Delivery) error {
			return l.handleNotification(rootCtx, d.Body)
		})
		_ = ch.Close()
		if err == nil {
			break
		}
		l.log.Warn("listener consumer stopped, reconnecting", slog.Any("error", err))
	}

	l.Shutdown()
	return nil
}

// handleNotification validates one new-session message and spawns its
// worker. Malformed notifications are dropped (nack non-requeue); spawn
// failures are requeued for another replica or restart.
func (l *Listener) handleNotification(ctx context.Context, body []byte) error {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		observability.PoisonMessagesTotal.WithLabelValues(rabbitmq.ConnectionsQueue).Inc()
		return fmt.Errorf("op=listener.handle_notification: %w: %v", domain.ErrPoisonMessage, err)
	}
	if err := l.validate.Struct(n); err != nil {
		observability.PoisonMessagesTotal.WithLabelValues(rabbitmq.ConnectionsQueue).Inc()
		return fmt.Errorf("op=listener.handle_notification: %w: %v", domain.ErrPoisonMessage, err)
	}

	format := tensor.DefaultFormat()
	if parsed, ok, err := tensor.ParseFormat(n.InputsFormat); err != nil {
		observability.PoisonMessagesTotal.WithLabelValues(rabbitmq.ConnectionsQueue).Inc()
		return fmt.Errorf("op=listener.handle_notification: %w: %v", domain.ErrPoisonMessage, err)
	} else if ok {
		format = parsed
	}

	l.mu.Lock()
	if _, exists := l.active[n.SessionID]; exists {
		l.mu.Unlock()
		l.log.Warn("session already active, dropping notification", slog.String("session_id", n.SessionID))
		observability.DuplicatesDroppedTotal.WithLabelValues("notification").Inc()
		return nil
	}
	l.mu.Unlock()

	if l.claimer != nil {
		acquired, err := l.claimer.Acquire(ctx, n.SessionID, l.cfg.PodName)
		if err != nil {
			l.log.Warn("claim guard unavailable, proceeding", slog.Any("error", err))
		} else if !acquired {
			l.log.Info("session claimed by another replica, skipping",
				slog.String("session_id", n.SessionID))
			return nil
		}
	}

	if err := l.spawn(ctx, n, format); err != nil {
		l.log.Error("worker spawn failed", slog.String("session_id", n.SessionID), slog.Any("error", err))
		if l.claimer != nil {
			_ = l.claimer.Release(ctx, n.SessionID, l.cfg.PodName)
		}
		return fmt.Errorf("%w: %v", rabbitmq.ErrRequeue, err)
	}
	return nil
}

func (l *Listener) spawn(ctx context.Context, n Notification, format tensor.Format) error {
	sess := domain.Session{
		ID:             n.SessionID,
		UserID:         n.UserID,
		InputsFormat:   n.InputsFormat,
		RecipientEmail: n.Email,
		Stage:          domain.StageInitialCalibration,
		Status:         domain.StatusInProgress,
	}
	worker := NewWorker(l.cfg, sess, format, l.deps, l.completed, l.log)

	workerCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.active[n.SessionID] = cancel
	l.mu.Unlock()

	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		worker.Run(workerCtx)
	}()
	l.log.Info("session worker started",
		slog.String("session_id", n.SessionID),
		slog.String("user_id", n.UserID))
	return nil
}

// removalMonitor prunes finished workers from the active map and releases
// their claims.
func (l *Listener) removalMonitor() {
	defer l.monitor.Done()
	for done := range l.completed {
		l.mu.Lock()
		if cancel, ok := l.active[done.SessionID]; ok {
			cancel()
			delete(l.active, done.SessionID)
		}
		l.mu.Unlock()
		if l.claimer != nil {
			_ = l.claimer.Release(context.Background(), done.SessionID, l.cfg.PodName)
		}
		l.log.Info("session worker removed",
			slog.String("session_id", done.SessionID),
			slog.String("user_id", done.UserID))
	}
}

// ActiveSessions is the number of workers currently tracked.
func (l *Listener) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Shutdown stops consumption, cancels all workers, and joins the removal
// monitor. Safe to call more than once.
func (l *Listener) Shutdown() {
	l.shutdownOnce.Do(func() {
		l.log.Info("listener shutting down")
		if l.rootCancel != nil {
			l.rootCancel()
		}
		l.mu.Lock()
		for _, cancel := range l.active {
			cancel()
		}
		l.mu.Unlock()
		l.workers.Wait()
		close(l.completed)
		l.monitor.Wait()
		l.log.Info("listener stopped")
	})
}
