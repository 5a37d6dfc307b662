package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Dispatch when the worker pool rejects the job.
var ErrQueueFull = errors.New("dispatch queue is full")

const defaultChunkSize = 100

// Recipients selects who a notification goes to.
type Recipients struct {
	all     bool
	userIDs []string
}

// SingleUser targets one user.
func SingleUser(userID string) Recipients {
	return Recipients{userIDs: []string{userID}}
}

// Users targets an explicit set. Duplicates collapse.
func Users(userIDs ...string) Recipients {
	return Recipients{userIDs: userIDs}
}

// AllUsers targets every eligible user.
func AllUsers() Recipients {
	return Recipients{all: true}
}

// IsAll reports whether r targets every eligible user.
func (r Recipients) IsAll() bool { return r.all }

// JobSubmitter accepts background jobs. *WorkerPool satisfies it.
type JobSubmitter interface {
	Submit(job Job) bool
}

// DispatchReport summarizes one dispatch run.
type DispatchReport struct {
	Chunks       int `json:"chunks"`
	Notified     int `json:"notified"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	SkippedUsers int `json:"skippedUsers"`
	Errors       int `json:"errors"`
}

func (r *DispatchReport) add(o DispatchReport) {
	r.Chunks += o.Chunks
	r.Notified += o.Notified
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.SkippedUsers += o.SkippedUsers
	r.Errors += o.Errors
}

// FanoutDispatcher resolves recipients to device tokens and sends one batch per
// chunk of users, recording one tracker row per user.
type FanoutDispatcher struct {
	users     store.UserStore
	tokens    TokenResolver
	tracker   *DeliveryTracker
	sender    Sender
	pool      JobSubmitter
	router    *ChannelRouter
	chunkSize int
	log       *zap.Logger
}

// NewFanoutDispatcher creates a dispatcher. router may be nil when no channel
// routing is configured.
func NewFanoutDispatcher(users store.UserStore, tokens TokenResolver, tracker *DeliveryTracker, sender Sender, pool JobSubmitter, router *ChannelRouter, chunkSize int) *FanoutDispatcher {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &FanoutDispatcher{
		users:     users,
		tokens:    tokens,
		tracker:   tracker,
		sender:    sender,
		pool:      pool,
		router:    router,
		chunkSize: chunkSize,
		log:       logger.Named("fanout-dispatcher"),
	}
}

// Dispatch queues the notification and returns once the job is accepted.
// Outcomes are recorded by the tracker, not returned.
func (d *FanoutDispatcher) Dispatch(ctx context.Context, r Recipients, title, body string, data map[string]interface{}, notifType types.NotificationType) error {
	return d.submit(fmt.Sprintf("fanout:%s", notifType), func(jobCtx context.Context) error {
		_, err := d.DispatchSync(jobCtx, r, title, body, data, notifType)
		return err
	})
}

// DispatchSync does the work of Dispatch on the calling goroutine. Dispatch
// jobs run it on a pool worker.
func (d *FanoutDispatcher) DispatchSync(ctx context.Context, r Recipients, title, body string, data map[string]interface{}, notifType types.NotificationType) (DispatchReport, error) {
	tmpl := types.NotificationTemplate{Type: notifType, Title: title, Body: body, Data: data}
	report, err := d.run(ctx, r, tmpl)
	d.logReport(tmpl, report, err)
	return report, err
}

// DispatchChannels queues delivery of tmpl through the channels routed for its
// type, once per recipient.
func (d *FanoutDispatcher) DispatchChannels(ctx context.Context, r Recipients, tmpl types.NotificationTemplate) error {
	if d.router == nil {
		return d.Dispatch(ctx, r, tmpl.Title, tmpl.Body, tmpl.Data, tmpl.Type)
	}
	return d.submit(fmt.Sprintf("channels:%s", tmpl.Type), func(jobCtx context.Context) error {
		failedChunks := 0
		err := d.forEachChunk(jobCtx, r, func(userIDs []string) {
			if err := d.router.DeliverMany(jobCtx, userIDs, tmpl); err != nil {
				failedChunks++
			}
		})
		if err != nil {
			return err
		}
		if failedChunks > 0 {
			return fmt.Errorf("channel delivery failed in %d chunk(s)", failedChunks)
		}
		return nil
	})
}

func (d *FanoutDispatcher) submit(name string, fn func(ctx context.Context) error) error {
	if !d.pool.Submit(Job{Name: name, Execute: fn}) {
		d.log.Warn("Dispatch queue full, notification dropped", zap.String("job", name))
		return ErrQueueFull
	}
	return nil
}

func (d *FanoutDispatcher) run(ctx context.Context, r Recipients, tmpl types.NotificationTemplate) (DispatchReport, error) {
	var report DispatchReport
	err := d.forEachChunk(ctx, r, func(userIDs []string) {
		report.add(d.sendChunk(ctx, userIDs, tmpl))
	})
	return report, err
}

// forEachChunk walks the recipients in chunks of chunkSize. Explicit sets are
// deduplicated in first-seen order; "all" is keyset paginated.
func (d *FanoutDispatcher) forEachChunk(ctx context.Context, r Recipients, fn func(userIDs []string)) error {
	if !r.all {
		ids := dedupe(r.userIDs)
		for start := 0; start < len(ids); start += d.chunkSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+d.chunkSize, len(ids))
			fn(ids[start:end])
		}
		return nil
	}

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := d.users.ListEligibleUserIDs(ctx, afterID, d.chunkSize)
		if err != nil {
			return fmt.Errorf("list eligible users after %q: %w", afterID, err)
		}
		if len(ids) == 0 {
			return nil
		}
		fn(ids)
		if len(ids) < d.chunkSize {
			return nil
		}
		afterID = ids[len(ids)-1]
	}
}

// sendChunk sends one flattened batch for userIDs. owners[i] is the user of tokens[i].
func (d *FanoutDispatcher) sendChunk(ctx context.Context, userIDs []string, tmpl types.NotificationTemplate) DispatchReport {
	report := DispatchReport{Chunks: 1}

	perUser := make(map[string][]string, len(userIDs))
	withTokens := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		tokens, err := d.tokens.GetUserTokens(ctx, userID)
		if err != nil {
			report.Errors++
			d.log.Warn("Failed to resolve push tokens", zap.String("userID", userID), zap.Error(err))
			continue
		}
		if len(tokens) == 0 {
			report.SkippedUsers++
			d.log.Info("User has no push tokens, skipping", zap.String("userID", userID))
			continue
		}
		perUser[userID] = tokens
		withTokens = append(withTokens, userID)
	}
	if len(withTokens) == 0 {
		return report
	}

	rows, failures := d.tracker.CreatePending(ctx, withTokens, tmpl)
	report.Errors += failures
	if len(rows) == 0 {
		return report
	}

	var tokens, owners []string
	for _, userID := range withTokens {
		if _, ok := rows[userID]; !ok {
			continue
		}
		for _, t := range perUser[userID] {
			tokens = append(tokens, t)
			owners = append(owners, userID)
		}
	}

	msg := PushMessage{Title: tmpl.Title, Body: tmpl.Body, Data: tmpl.Data, Category: string(tmpl.Type)}
	result, sendErr := d.sender.SendBatch(ctx, tokens, msg)
	d.tracker.RecordBatch(ctx, rows, owners, result, sendErr)

	report.Notified = len(rows)
	for _, n := range rows {
		switch n.Status {
		case types.StatusSent:
			report.Sent++
		case types.StatusFailed:
			report.Failed++
		}
	}
	return report
}

func (d *FanoutDispatcher) logReport(tmpl types.NotificationTemplate, report DispatchReport, err error) {
	fields := []zap.Field{
		zap.String("type", string(tmpl.Type)),
		zap.Int("chunks", report.Chunks),
		zap.Int("notified", report.Notified),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("skippedUsers", report.SkippedUsers),
	}
	if err != nil {
		d.log.Error("Fanout aborted", append(fields, zap.Error(err))...)
		return
	}
	d.log.Info("Fanout complete", fields...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
