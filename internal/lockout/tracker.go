// Package lockout tracks consecutive authentication failures per identity
// and enforces a temporary lockout once a threshold is reached.
package lockout

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap"

	"session-service/internal/models"
	"session-service/internal/store"
	"session-service/internal/util"
)

const keyPrefix = "lockout:"

type Config struct {
	MaxAttempts int
	Duration    time.Duration
	// Window bounds how long unlocked failures are remembered
	Window time.Duration
}

// Status is the result of CheckLockout.
type Status struct {
	IsLocked          bool
	RetryAfterSeconds int
}

type Tracker struct {
	kv     store.KV
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(kv store.KV, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 15 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{kv: kv, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) MaxAttempts() int {
	return t.cfg.MaxAttempts
}

func (t *Tracker) load(ctx context.Context, identity string) (*models.LockoutRecord, error) {
	raw, ok, err := t.kv.Get(ctx, keyPrefix+identity)
	if err != nil || !ok {
		return nil, err
	}
	var rec models.LockoutRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// a corrupt record is treated as absent and overwritten on the next failure
		t.logger.Warn("discarding unreadable lockout record",
			zap.String("identity", util.MaskIdentity(identity)), zap.Error(err))
		return nil, nil
	}
	return &rec, nil
}

// CheckLockout reports whether identity is locked. An expired lock clears the
// record; a store failure reports not locked.
func (t *Tracker) CheckLockout(ctx context.Context, identity string) Status {
	rec, err := t.load(ctx, identity)
	if err != nil {
		t.logger.Warn("lockout store unavailable, treating identity as not locked",
			zap.String("identity", util.MaskIdentity(identity)), zap.Error(err))
		return Status{}
	}
	if rec == nil || rec.LockedUntil == nil {
		return Status{}
	}

	now := t.now()
	if !now.Before(*rec.LockedUntil) {
		t.Clear(ctx, identity)
		return Status{}
	}
	return Status{
		IsLocked:          true,
		RetryAfterSeconds: int(math.Ceil(rec.LockedUntil.Sub(now).Seconds())),
	}
}

// RecordFailure counts one failed attempt and locks at the threshold.
// It returns the attempt count after recording.
func (t *Tracker) RecordFailure(ctx context.Context, identity string) int {
	now := t.now()
	rec, err := t.load(ctx, identity)
	if err != nil {
		t.logger.Warn("lockout store unavailable, failure not recorded",
			zap.String("identity", util.MaskIdentity(identity)), zap.Error(err))
		return 0
	}
	if rec == nil || (rec.LockedUntil != nil && !now.Before(*rec.LockedUntil)) {
		rec = &models.LockoutRecord{Identity: identity}
	}

	rec.Attempts++
	rec.LastAttempt = now
	ttl := t.cfg.Window
	if rec.LockedUntil == nil && rec.Attempts >= t.cfg.MaxAttempts {
		until := now.Add(t.cfg.Duration)
		rec.LockedUntil = &until
		t.logger.Warn("identity locked out",
			zap.String("identity", util.MaskIdentity(identity)),
			zap.Int("attempts", rec.Attempts),
			zap.Time("locked_until", until))
	}
	if rec.LockedUntil != nil {
		ttl = rec.LockedUntil.Sub(now)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		t.logger.Error("failed to encode lockout record", zap.Error(err))
		return rec.Attempts
	}
	if err := t.kv.Set(ctx, keyPrefix+identity, raw, ttl); err != nil {
		t.logger.Warn("lockout store unavailable, failure not recorded",
			zap.String("identity", util.MaskIdentity(identity)), zap.Error(err))
	}
	return rec.Attempts
}

// Clear resets the identity after a verified-successful authentication.
func (t *Tracker) Clear(ctx context.Context, identity string) {
	if err := t.kv.Delete(ctx, keyPrefix+identity); err != nil {
		t.logger.Warn("failed to clear lockout record",
			zap.String("identity", util.MaskIdentity(identity)), zap.Error(err))
	}
}
