package rbacgate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oarkflow/rbacgate/logger"
)

// Audit outcomes.
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
)

// AuditRecord describes one gated invocation.
type AuditRecord struct {
	ID           string            `json:"id" db:"id"`
	UserID       string            `json:"user_id" db:"user_id"`
	Role         Role              `json:"role" db:"role"`
	Action       string            `json:"action" db:"action"`
	ResourcePath string            `json:"resource_path" db:"resource_path"`
	ResourceID   string            `json:"resource_id,omitempty" db:"resource_id"`
	ClientKey    string            `json:"client_key,omitempty" db:"client_key"`
	Timestamp    time.Time         `json:"timestamp" db:"created_at"`
	Outcome      string            `json:"outcome" db:"outcome"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// AuditSink persists audit records.
type AuditSink interface {
	Log(ctx context.Context, rec *AuditRecord) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, rec *AuditRecord) error

func (f AuditSinkFunc) Log(ctx context.Context, rec *AuditRecord) error { return f(ctx, rec) }

// AuditFilter selects audit records. Zero fields match everything.
type AuditFilter struct {
	UserID       string
	Action       string
	ResourcePath string
	Outcome      string
	StartTime    time.Time
	EndTime      time.Time
	Limit        int
}

// Matches reports whether rec satisfies every set field of f.
func (f AuditFilter) Matches(rec *AuditRecord) bool {
	if rec == nil {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.ResourcePath != "" && rec.ResourcePath != f.ResourcePath {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if !f.StartTime.IsZero() && rec.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// AuditQuerier is implemented by sinks that can read records back.
type AuditQuerier interface {
	Query(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []AuditSink

func (m MultiSink) Log(ctx context.Context, rec *AuditRecord) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Log(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultAuditBuffer is the dispatcher queue size used when none is given.
const DefaultAuditBuffer = 1024

// AuditDispatcher delivers records to a sink on a background goroutine so
// audit latency and failures never reach the caller. When the queue is full
// records are dropped.
type AuditDispatcher struct {
	sink    AuditSink
	logger  logger.Logger
	metrics *Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan *AuditRecord
	done   chan struct{}
}

func NewAuditDispatcher(sink AuditSink, buffer int, l logger.Logger, m *Metrics) *AuditDispatcher {
	if buffer <= 0 {
		buffer = DefaultAuditBuffer
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	d := &AuditDispatcher{
		sink:    sink,
		logger:  l,
		metrics: m,
		timeout: 5 * time.Second,
		queue:   make(chan *AuditRecord, buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *AuditDispatcher) run() {
	defer close(d.done)
	for rec := range d.queue {
		d.deliver(rec)
	}
}

func (d *AuditDispatcher) deliver(rec *AuditRecord) {
	d.logger.Info("audit decision",
		"id", rec.ID,
		"user", rec.UserID,
		"action", rec.Action,
		"resource", rec.ResourcePath,
		"outcome", rec.Outcome,
	)

	if d.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("audit sink panicked", "id", rec.ID, "panic", r)
		}
	}()
	if err := d.sink.Log(ctx, rec); err != nil {
		d.logger.Error("audit log failed", "id", rec.ID, "user", rec.UserID, "err", err)
	}
}

// Dispatch queues rec without blocking. It reports false when the record was
// dropped.
func (d *AuditDispatcher) Dispatch(rec *AuditRecord) bool {
	if rec == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("audit dispatcher closed, record dropped", "id", rec.ID)
		d.metrics.auditDropped()
		return false
	}
	select {
	case d.queue <- rec:
		return true
	default:
		d.logger.Warn("audit queue full, record dropped", "id", rec.ID)
		d.metrics.auditDropped()
		return false
	}
}

// Close stops accepting records and waits for queued ones to be delivered or
// for ctx to end.
func (d *AuditDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
