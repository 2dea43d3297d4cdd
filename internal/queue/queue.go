// Package queue is the at-least-once background job transport the import
// engine is built on: enqueue now, enqueue after a delay, and enqueue unique
// (collapse an identical pending job).
package queue

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/bulkimport/internal/logger"
)

// ErrUnknownKind is returned when no handler is registered for a job kind.
var ErrUnknownKind = errors.New("unknown job kind")

// Args are the string arguments of a job. They form part of its signature.
type Args map[string]string

// String returns the argument or "".
func (a Args) String(key string) string {
	return a[key]
}

// Int returns the argument parsed as an int, or 0.
func (a Args) Int(key string) int {
	n, _ := strconv.Atoi(a[key])
	return n
}

// Job is one unit of work.
type Job struct {
	ID            string
	Kind          string
	Args          Args
	CorrelationID string
	// Attempt is 1 for the first delivery and grows with queue-native retries.
	Attempt     int
	MaxAttempts int
}

// Signature identifies jobs that EnqueueUnique treats as duplicates.
func (j Job) Signature() string {
	keys := make([]string, 0, len(j.Args))
	for k := range j.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(j.Kind)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(j.Args[k])
	}
	return b.String()
}

// FinalAttempt reports whether a failure of this delivery will not be retried.
func (j Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Queue is the producer side of the transport.
type Queue interface {
	EnqueueNow(ctx context.Context, job Job) error
	EnqueueAfter(ctx context.Context, delay time.Duration, job Job) error
	// EnqueueUnique enqueues job unless an identical job is already pending.
	EnqueueUnique(ctx context.Context, job Job) error
}

// prepare fills the ID, attempt and correlation ID of a job about to be stored.
// The correlation ID is inherited from the enqueuing context when unset.
func prepare(ctx context.Context, job Job) Job {
	job.ID = uuid.New().String()
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.CorrelationID == "" {
		job.CorrelationID = logger.GetCorrelationID(ctx)
	}
	if job.CorrelationID == "" {
		job.CorrelationID = uuid.New().String()
	}
	if job.Args == nil {
		job.Args = Args{}
	}
	return job
}
