package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NomadCrew/order-push-backend/config"
	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TokenMaintainer is the part of TokenService the scheduled duties need.
type TokenMaintainer interface {
	TokenResolver
	PruneTokens(ctx context.Context, userID string, keep func(token string) bool) (int, error)
}

const stalePendingMessage = "delivery not settled before pending timeout"

// RetryReport summarizes one retry pass.
type RetryReport struct {
	Expired   int
	Examined  int
	Attempted int
	Succeeded int
	Failed    int
}

// CleanupReport summarizes one token hygiene pass.
type CleanupReport struct {
	Users    int
	Removed  int
	Failures int
}

// RetryScheduler re-drives FAILED notifications and prunes invalid tokens on
// cron schedules.
type RetryScheduler struct {
	notifications store.PushNotificationStore
	tokenStore    store.PushTokenStore
	tokens        TokenMaintainer
	sender        Sender
	cfg           config.RetryConfig
	log           *zap.Logger
	now           func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRetryScheduler creates a scheduler; call Start to register the cron duties.
func NewRetryScheduler(notifications store.PushNotificationStore, tokenStore store.PushTokenStore, tokens TokenMaintainer, sender Sender, cfg config.RetryConfig) *RetryScheduler {
	return &RetryScheduler{
		notifications: notifications,
		tokenStore:    tokenStore,
		tokens:        tokens,
		sender:        sender,
		cfg:           cfg,
		log:           logger.Named("retry-scheduler"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Backoff is the wait before the next retry of a row with the given attempts.
func (s *RetryScheduler) Backoff(attempts int) time.Duration {
	return s.window(s.now()).Backoff(attempts)
}

func (s *RetryScheduler) window(now time.Time) store.RetryWindow {
	return store.RetryWindow{
		MaxAttempts: s.cfg.MaxAttempts,
		BaseDelay:   time.Duration(s.cfg.BackoffBaseSeconds) * time.Second,
		MaxDelay:    time.Duration(s.cfg.BackoffMaxSeconds) * time.Second,
		Now:         now,
	}
}

// RetryFailed resends FAILED rows whose backoff has elapsed. Every attempted row
// has retryAttempts incremented; rows that reach a token move to SENT.
// PENDING rows older than the pending timeout are failed first so they become
// retryable. A credential failure stops the pass without consuming attempts.
func (s *RetryScheduler) RetryFailed(ctx context.Context) (RetryReport, error) {
	var report RetryReport
	now := s.now()

	report.Expired = s.expireStalePending(ctx, now)

	rows, err := s.notifications.ListRetryable(ctx, s.window(now), s.cfg.BatchSize)
	if err != nil {
		return report, apperrors.NewStorageError(err)
	}
	report.Examined = len(rows)

	now = s.now()
	for _, n := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		succeeded, reason, err := s.resend(ctx, n)
		if err != nil {
			s.log.Error("Retry pass aborted, push credential unavailable",
				zap.String("severity", "critical"),
				zap.Error(err))
			return report, err
		}

		report.Attempted++
		if err := s.notifications.RecordRetry(ctx, n.ID, succeeded, truncate(reason, types.MaxErrorMessageLength), now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				s.log.Debug("Notification changed during retry, skipping", zap.String("notificationID", n.ID.String()))
				continue
			}
			s.log.Error("Failed to record retry",
				zap.String("notificationID", n.ID.String()),
				zap.Error(err))
			continue
		}
		if succeeded {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	s.log.Info("Retry pass complete",
		zap.Int("expired", report.Expired),
		zap.Int("examined", report.Examined),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	return report, nil
}

// expireStalePending fails rows a dispatch job left PENDING, e.g. after its
// process died mid-batch.
func (s *RetryScheduler) expireStalePending(ctx context.Context, now time.Time) int {
	timeout := time.Duration(s.cfg.PendingTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return 0
	}
	n, err := s.notifications.FailStalePending(ctx, now.Add(-timeout), stalePendingMessage)
	if err != nil {
		s.log.Error("Failed to expire stale pending notifications", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.log.Warn("Expired stale pending notifications", zap.Int64("count", n))
	}
	return int(n)
}

// resend sends n to the user's current tokens. A non-nil error means the
// credential could not be obtained; everything else is a row-level outcome.
func (s *RetryScheduler) resend(ctx context.Context, n *types.PushNotification) (bool, string, error) {
	tokens, err := s.tokens.GetUserTokens(ctx, n.UserID)
	if err != nil {
		return false, fmt.Sprintf("token lookup failed: %v", err), nil
	}
	if len(tokens) == 0 {
		return false, "user has no push tokens", nil
	}

	msg := PushMessage{Title: n.Title, Body: n.Body, Data: n.Data, Category: string(n.Type)}
	result, err := s.sender.SendBatch(ctx, tokens, msg)
	if err != nil {
		return false, "", err
	}

	if unregistered := result.UnregisteredTokens(); len(unregistered) > 0 {
		if _, err := s.tokens.EvictTokens(ctx, n.UserID, unregistered); err != nil {
			s.log.Warn("Failed to evict unregistered tokens", zap.String("userID", n.UserID), zap.Error(err))
		}
	}

	if result.SuccessCount > 0 {
		return true, "", nil
	}
	var attempted []Outcome
	for _, o := range result.Outcomes {
		if !o.Skipped {
			attempted = append(attempted, o)
		}
	}
	return false, summarizeFailures(attempted), nil
}

// CleanupTokens scans every user holding tokens and drops malformed and
// duplicate entries. One user's failure does not stop the scan.
func (s *RetryScheduler) CleanupTokens(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	chunk := s.cfg.CleanupChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ids, err := s.tokenStore.ListUserIDsWithTokens(ctx, afterID, chunk)
		if err != nil {
			return report, apperrors.NewStorageError(err)
		}
		for _, userID := range ids {
			report.Users++
			removed, err := s.tokens.PruneTokens(ctx, userID, IsValidFcmToken)
			if err != nil {
				report.Failures++
				s.log.Warn("Token cleanup failed for user", zap.String("userID", userID), zap.Error(err))
				continue
			}
			report.Removed += removed
		}
		if len(ids) < chunk {
			break
		}
		afterID = ids[len(ids)-1]
	}

	s.log.Info("Token cleanup complete",
		zap.Int("users", report.Users),
		zap.Int("removed", report.Removed),
		zap.Int("failures", report.Failures))
	return report, nil
}

// Start registers both duties on their cron schedules. Overlapping runs of the
// same duty are skipped.
func (s *RetryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cl := cronLogger{log: s.log.Sugar()}
	c := cron.New(
		cron.WithLocation(s.location()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RetryFailed(ctx); err != nil {
			s.log.Error("Scheduled retry failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid retry schedule %q: %w", s.cfg.Schedule, err)
	}
	if _, err := c.AddFunc(s.cfg.CleanupSchedule, func() {
		if _, err := s.CleanupTokens(ctx); err != nil {
			s.log.Error("Scheduled token cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.cfg.CleanupSchedule, err)
	}

	c.Start()
	s.cron = c
	s.log.Info("Retry scheduler started",
		zap.String("retrySchedule", s.cfg.Schedule),
		zap.String("cleanupSchedule", s.cfg.CleanupSchedule))
	return nil
}

// Stop halts scheduling and waits for running duties until ctx is done.
func (s *RetryScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.log.Info("Retry scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RetryScheduler) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("Invalid retry timezone, using UTC", zap.String("timezone", tz), zap.Error(err))
		return time.UTC
	}
	return loc
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
