package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/lease"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/metrics"
)

// Handler executes jobs of one kind.
type Handler interface {
	Perform(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Perform implements Handler.
func (f HandlerFunc) Perform(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain wraps h so that mws[0] is the outermost decorator.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RetryPolicy controls queue-native retry of a job kind. Orchestration jobs
// use NoRetry: their retries are explicit in the tracker state machine.
type RetryPolicy struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
}

// NoRetry runs a job once and drops it on failure.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// ExponentialRetry retries up to maxAttempts deliveries with exponential backoff.
func ExponentialRetry(maxAttempts int, initial, max time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Delay returns the wait before delivery attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.NewBackOff == nil {
		return 0
	}
	b := p.NewBackOff()
	b.Reset()
	d := time.Duration(0)
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return 0
		}
	}
	return d
}

type registration struct {
	handler Handler
	policy  RetryPolicy
}

// Registry maps job kinds to handlers. It is filled once at startup.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]registration
	middlewares []Middleware
}

// NewRegistry creates a Registry whose handlers are all wrapped in mws.
func NewRegistry(mws ...Middleware) *Registry {
	return &Registry{handlers: make(map[string]registration), middlewares: mws}
}

// Register binds kind to h.
func (r *Registry) Register(kind string, h Handler, policy RetryPolicy) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = registration{handler: Chain(h, r.middlewares...), policy: policy}
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute runs job and applies the kind's retry policy, re-enqueuing on q
// when attempts remain. The handler's error is returned either way.
func (r *Registry) Execute(ctx context.Context, q Queue, job Job) error {
	r.mu.RLock()
	reg, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}

	if job.Attempt < 1 {
		job.Attempt = 1
	}
	job.MaxAttempts = reg.policy.MaxAttempts

	err := reg.handler.Perform(ctx, job)
	if err == nil || job.FinalAttempt() {
		return err
	}

	next := job
	next.Attempt++
	delay := reg.policy.Delay(job.Attempt)
	if qErr := q.EnqueueAfter(ctx, delay, next); qErr != nil {
		return fmt.Errorf("%v; failed to schedule retry: %w", err, qErr)
	}
	logger.With(logger.Fields{
		logger.FieldJobKind: job.Kind,
		logger.FieldAttempt: next.Attempt,
		"retry_in":          delay.String(),
	}).Warn(ctx, "job failed, retry scheduled: %v", err)
	return err
}

// Logging attaches a job-scoped logger to the context and records the
// outcome and duration of every execution.
func Logging() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, job Job) error {
			ctx = logger.WithFields(ctx, logger.Fields{
				logger.FieldJobKind:       job.Kind,
				logger.FieldJobID:         job.ID,
				logger.FieldCorrelationID: job.CorrelationID,
			})
			start := time.Now()

			err := next.Perform(ctx, job)

			outcome := "success"
			entry := logger.With(logger.Fields{logger.FieldAttempt: job.Attempt}).WithDuration(start)
			if err != nil {
				outcome = "error"
				entry.WithStatus(outcome).Error(ctx, "job failed: %v", err)
			} else {
				entry.WithStatus(outcome).Debug(ctx, "job done")
			}
			metrics.JobsProcessed.WithLabelValues(job.Kind, outcome).Inc()
			metrics.JobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())
			return err
		})
	}
}

// Recover turns a panicking handler into a domain.PanicError.
func Recover() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, job Job) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.FromContext(ctx).WithField("stack", string(debug.Stack())).Errorf("job panicked: %v", r)
					err = &domain.PanicError{Value: r}
				}
			}()
			return next.Perform(ctx, job)
		})
	}
}

// Exclusive runs the handler only while holding the lease named by key(job).
// A delivery that cannot get the lease is a duplicate and ends silently.
func Exclusive(m lease.Manager, ttl time.Duration, key func(Job) string) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, job Job) error {
			k := key(job)
			acquired, err := lease.Do(ctx, m, k, ttl, func(ctx context.Context) error {
				return next.Perform(ctx, job)
			})
			if !acquired && err == nil {
				logger.CtxDebug(ctx, "lease %s held elsewhere, dropping duplicate delivery", k)
			}
			return err
		})
	}
}
