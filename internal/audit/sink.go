// Package audit records security events to one or more append-only sinks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-service/internal/bucketing"
	"session-service/internal/models"
	"session-service/internal/util"
)

// Sink persists security events.
type Sink interface {
	Name() string
	Write(ctx context.Context, event models.SecurityEvent) error
}

// MultiSink writes each event to every sink concurrently.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Len() int { return len(m.sinks) }

// Write returns the joined errors of every failing sink.
func (m *MultiSink) Write(ctx context.Context, event models.SecurityEvent) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, s := range m.sinks {
		g.Go(func() error {
			if err := s.Write(ctx, event); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e models.SecurityEvent) error {
	fields := []zap.Field{
		zap.String("event_id", e.EventID),
		zap.String("event_type", e.EventType),
		zap.String("outcome", e.Outcome),
		zap.Int("status", e.StatusCode),
		zap.String("identity", util.MaskIdentity(e.Identity)),
		zap.String("ip", e.IPAddress),
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.SessionID != "" {
		fields = append(fields, zap.String("session_id", e.SessionID))
	}
	if len(e.Flags) > 0 {
		fields = append(fields, zap.Strings("flags", e.Flags))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	s.logger.Info("security event", fields...)
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, e models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemorySink) Events() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// Recorder stamps and writes events. Write failures are logged, never returned.
type Recorder struct {
	sink    Sink
	buckets *bucketing.BucketingManager
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewRecorder(sink Sink, buckets *bucketing.BucketingManager, logger *zap.Logger) *Recorder {
	if buckets == nil {
		buckets = bucketing.NewBucketingManager(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, buckets: buckets, timeout: 3 * time.Second, logger: logger, now: time.Now}
}

func (r *Recorder) WithTimeout(d time.Duration) *Recorder {
	r.timeout = d
	return r
}

// Record writes e to the sink, detached from the request's cancellation.
func (r *Recorder) Record(ctx context.Context, e *Event) {
	if r == nil || e == nil {
		return
	}
	key := e.Identity
	if key == "" {
		key = e.IPAddress
	}
	ev := e.finalize(uuid.New().String(), r.buckets.EventBucket(key), r.now())

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.sink.Write(wctx, ev); err != nil {
		r.logger.Error("audit write failed",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", ev.EventType),
			zap.String("sink", r.sink.Name()),
			zap.Error(err))
	}
}
