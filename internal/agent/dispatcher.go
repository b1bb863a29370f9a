package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-router/internal/model"
	"github.com/capitalize-ai/conversation-router/pkg/logger"
	"github.com/capitalize-ai/conversation-router/pkg/metrics"
)

// ErrQueueFull is returned by Enqueue when every queue slot is taken.
var ErrQueueFull = errors.New("agent: dispatch queue is full")

// Job is one automated agent turn.
type Job struct {
	CompanyID      string
	ConversationID string
	AgentID        string
	Channel        model.Channel
	Message        string
	History        []model.Message
	// NewSession asks the runtime for a greeting before the first reply.
	NewSession bool
	EnqueuedAt time.Time
}

// Outcome is the result of a turn, reported back to the router.
type Outcome struct {
	Job        Job
	Greeting   string
	Reply      string
	CannotHelp bool
	Failed     bool
	Retryable  bool
	Reason     string
	Duration   time.Duration
}

// OutcomeHandler receives finished turns.
type OutcomeHandler interface {
	HandleAgentOutcome(ctx context.Context, outcome Outcome) error
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	TurnTimeout time.Duration
	// MaxRetries is how many times a retryable failure is retried before it is reported.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Dispatcher runs turns on a bounded worker pool.
type Dispatcher struct {
	runtime Runtime
	handler OutcomeHandler
	jobs    chan Job
	cfg     DispatcherConfig
	logger  *logger.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. SetHandler must be called before Run.
func NewDispatcher(runtime Runtime, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Dispatcher{
		runtime: runtime,
		jobs:    make(chan Job, cfg.QueueSize),
		cfg:     cfg,
		logger:  log,
	}
}

// SetHandler sets where outcomes are reported.
func (d *Dispatcher) SetHandler(h OutcomeHandler) {
	d.handler = h
}

// Enqueue schedules a turn without blocking.
func (d *Dispatcher) Enqueue(job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case d.jobs <- job:
		metrics.AgentQueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled and in-flight turns finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("agent dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize),
		zap.String("runtime", d.runtime.Name()),
	)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-d.jobs:
					metrics.AgentQueueDepth.Dec()
					d.process(ctx, job)
				}
			}
		}()
	}
	<-ctx.Done()
	d.wg.Wait()
	d.logger.Info("agent dispatcher stopped")
	return nil
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	var outcome Outcome
	for attempt := 0; ; attempt++ {
		outcome = d.runTurn(ctx, job)
		if !outcome.Failed || !outcome.Retryable || attempt >= d.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		d.logger.Warn("retrying automated agent turn",
			zap.String("conversation_id", job.ConversationID),
			zap.Int("attempt", attempt+1),
			zap.String("reason", outcome.Reason),
		)
		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}

	if d.handler == nil {
		return
	}
	// Outcomes of started turns are still recorded during shutdown.
	if err := d.handler.HandleAgentOutcome(context.WithoutCancel(ctx), outcome); err != nil {
		d.logger.Error("failed to handle agent outcome",
			zap.String("conversation_id", job.ConversationID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) runTurn(ctx context.Context, job Job) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.TurnTimeout)
	defer cancel()

	var greeting string
	if job.NewSession {
		sess, err := d.runtime.CreateSession(ctx, job.AgentID, job.ConversationID)
		if err != nil {
			d.logger.Warn("failed to create agent session", zap.String("conversation_id", job.ConversationID), zap.Error(err))
		} else {
			greeting = sess.Greeting
		}
	}

	outcome := Collect(ctx, d.runtime, &TurnRequest{
		AgentID:        job.AgentID,
		ConversationID: job.ConversationID,
		History:        job.History,
		Message:        job.Message,
	})
	outcome.Job = job
	outcome.Greeting = greeting
	outcome.Duration = time.Since(start)

	status := "ok"
	switch {
	case outcome.Failed:
		status = "error"
	case outcome.CannotHelp:
		status = "handoff"
	}
	metrics.RecordAgentRun(d.runtime.Name(), status, outcome.Duration.Seconds())
	return outcome
}

// Collect runs one turn to completion and folds its events into an Outcome.
func Collect(ctx context.Context, runtime Runtime, req *TurnRequest) Outcome {
	events, err := runtime.SendMessageStream(ctx, req)
	if err != nil {
		return Outcome{Failed: true, Retryable: IsRetryable(err), Reason: err.Error()}
	}

	var deltas strings.Builder
	for {
		select {
		case <-ctx.Done():
			return Outcome{Failed: true, Retryable: true, Reason: ctx.Err().Error()}
		case ev, ok := <-events:
			if !ok {
				return Outcome{Failed: true, Retryable: true, Reason: "stream ended without a result"}
			}
			switch ev.Type {
			case EventDelta:
				deltas.WriteString(ev.Data)
			case EventError:
				return Outcome{Failed: true, Retryable: ev.Retryable, Reason: ev.Data}
			case EventComplete:
				reply := ev.Data
				if reply == "" {
					reply = deltas.String()
				}
				return parseReply(reply)
			}
		}
	}
}

// parseReply detects the handoff marker.
func parseReply(reply string) Outcome {
	reply = strings.TrimSpace(reply)
	if rest, found := strings.CutPrefix(reply, HandoffMarker); found {
		return Outcome{CannotHelp: true, Reason: strings.TrimSpace(rest)}
	}
	if reply == "" {
		return Outcome{Failed: true, Reason: "empty reply"}
	}
	return Outcome{Reply: reply}
}
