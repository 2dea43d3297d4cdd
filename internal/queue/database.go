package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobRecord is the row backing a job in the database queue.
type JobRecord struct {
	ID            string         `gorm:"type:text;primaryKey"`
	Kind          string         `gorm:"type:text;not null;index"`
	Signature     string         `gorm:"type:text;not null;index"`
	Args          datatypes.JSON `gorm:"not null"`
	CorrelationID string         `gorm:"type:text"`
	Attempt       int            `gorm:"not null;default:1"`
	RunAt         time.Time      `gorm:"not null;index"`
	LockedBy      string         `gorm:"type:text"`
	LockedUntil   *time.Time     `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName returns the database table name for JobRecord.
func (JobRecord) TableName() string {
	return "queue_jobs"
}

func (r *JobRecord) toJob() (Job, error) {
	var args Args
	if len(r.Args) > 0 {
		if err := json.Unmarshal(r.Args, &args); err != nil {
			return Job{}, fmt.Errorf("decode args of job %s: %w", r.ID, err)
		}
	}
	return Job{
		ID:            r.ID,
		Kind:          r.Kind,
		Args:          args,
		CorrelationID: r.CorrelationID,
		Attempt:       r.Attempt,
	}, nil
}

// Database is a Queue stored in the application database. A claimed job
// whose lock expires is delivered again, which makes delivery at-least-once.
type Database struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabase creates a Database queue. The queue_jobs table must be migrated.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnqueueNow implements Queue.
func (q *Database) EnqueueNow(ctx context.Context, job Job) error {
	return q.insert(q.db.WithContext(ctx), prepare(ctx, job), 0)
}

// EnqueueAfter implements Queue.
func (q *Database) EnqueueAfter(ctx context.Context, delay time.Duration, job Job) error {
	return q.insert(q.db.WithContext(ctx), prepare(ctx, job), delay)
}

// EnqueueUnique implements Queue. Only jobs nobody has claimed yet count as pending.
func (q *Database) EnqueueUnique(ctx context.Context, job Job) error {
	job = prepare(ctx, job)
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&JobRecord{}).
			Where("signature = ? AND locked_until IS NULL", job.Signature()).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return q.insert(tx, job, 0)
	})
}

func (q *Database) insert(tx *gorm.DB, job Job, delay time.Duration) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("encode args of %s: %w", job.Kind, err)
	}
	rec := JobRecord{
		ID:            job.ID,
		Kind:          job.Kind,
		Signature:     job.Signature(),
		Args:          datatypes.JSON(args),
		CorrelationID: job.CorrelationID,
		Attempt:       job.Attempt,
		RunAt:         q.now().Add(delay),
	}
	if err := tx.Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", job.Kind, err)
	}
	return nil
}

// Claim locks the next due job for worker for lockFor. It returns nil when
// nothing is due.
func (q *Database) Claim(ctx context.Context, worker string, lockFor time.Duration) (*Job, error) {
	now := q.now()

	var candidates []JobRecord
	err := q.db.WithContext(ctx).
		Where("run_at <= ? AND (locked_until IS NULL OR locked_until < ?)", now, now).
		Order("run_at").
		Limit(10).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}

	until := now.Add(lockFor)
	for _, c := range candidates {
		res := q.db.WithContext(ctx).Model(&JobRecord{}).
			Where("id = ? AND (locked_until IS NULL OR locked_until < ?)", c.ID, now).
			Updates(map[string]interface{}{"locked_by": worker, "locked_until": until})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", c.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue // another worker won
		}
		job, err := c.toJob()
		if err != nil {
			_ = q.Complete(ctx, c.ID)
			return nil, err
		}
		return &job, nil
	}
	return nil, nil
}

// ErrLockLost is returned by Heartbeat when the job is no longer locked by
// the worker, because it completed or was claimed again after its lock expired.
var ErrLockLost = errors.New("job lock lost")

// Heartbeat keeps a claimed job invisible for another lockFor.
func (q *Database) Heartbeat(ctx context.Context, id, worker string, lockFor time.Duration) error {
	res := q.db.WithContext(ctx).Model(&JobRecord{}).
		Where("id = ? AND locked_by = ?", id, worker).
		Update("locked_until", q.now().Add(lockFor))
	if res.Error != nil {
		return fmt.Errorf("failed to heartbeat job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, id)
	}
	return nil
}

// Complete removes a delivered job.
func (q *Database) Complete(ctx context.Context, id string) error {
	return q.db.WithContext(ctx).Where("id = ?", id).Delete(&JobRecord{}).Error
}

// Count returns the number of stored jobs of kind, or of all kinds when kind is "".
func (q *Database) Count(ctx context.Context, kind string) (int64, error) {
	var count int64
	tx := q.db.WithContext(ctx).Model(&JobRecord{})
	if kind != "" {
		tx = tx.Where("kind = ?", kind)
	}
	err := tx.Count(&count).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return count, err
}
