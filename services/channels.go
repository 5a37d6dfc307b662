package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/NomadCrew/order-push-backend/config"
	"github.com/NomadCrew/order-push-backend/internal/store"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

const (
	ChannelPush     = "push"
	ChannelDatabase = "database"
	ChannelMail     = "mail"
)

// NotificationChannel delivers a notification to one user through one medium.
type NotificationChannel interface {
	Name() string
	Deliver(ctx context.Context, userID string, tmpl types.NotificationTemplate) error
}

// BulkChannel is implemented by channels that can take a whole recipient set
// in one call.
type BulkChannel interface {
	DeliverMany(ctx context.Context, userIDs []string, tmpl types.NotificationTemplate) error
}

// PushChannel sends through the tracked push pipeline.
type PushChannel struct {
	tracker *DeliveryTracker
}

func NewPushChannel(tracker *DeliveryTracker) *PushChannel {
	return &PushChannel{tracker: tracker}
}

func (c *PushChannel) Name() string { return ChannelPush }

func (c *PushChannel) Deliver(ctx context.Context, userID string, tmpl types.NotificationTemplate) error {
	_, err := c.tracker.Create(ctx, userID, tmpl.Type, tmpl.Title, tmpl.Body, tmpl.Data)
	return err
}

// DeliverMany records and sends one notification per user. Every user is
// attempted even after a failure.
func (c *PushChannel) DeliverMany(ctx context.Context, userIDs []string, tmpl types.NotificationTemplate) error {
	ok, err := c.tracker.StoreMany(ctx, tmpl, userIDs)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("push failed for one or more users")
	}
	return nil
}

// DatabaseChannel writes the in-app inbox entry.
type DatabaseChannel struct {
	inbox store.InboxStore
}

func NewDatabaseChannel(inbox store.InboxStore) *DatabaseChannel {
	return &DatabaseChannel{inbox: inbox}
}

func (c *DatabaseChannel) Name() string { return ChannelDatabase }

func (c *DatabaseChannel) Deliver(ctx context.Context, userID string, tmpl types.NotificationTemplate) error {
	n := &types.InboxNotification{
		UserID: userID,
		Type:   tmpl.Type,
		Title:  tmpl.Title,
		Body:   tmpl.Body,
		Data:   tmpl.Data,
	}
	if err := c.inbox.Insert(ctx, n); err != nil {
		return fmt.Errorf("insert inbox notification: %w", err)
	}
	return nil
}

// EmailSender is the subset of the Resend emails API the mail channel uses.
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type mailMetrics struct {
	sendLatency prometheus.Histogram
	errorCount  prometheus.Counter
	sentCount   prometheus.Counter
}

// MailChannel emails the notification to the user's verified address.
type MailChannel struct {
	cfg     config.EmailConfig
	users   store.UserStore
	emails  EmailSender
	metrics *mailMetrics
	tmpl    *template.Template
}

// NewMailChannel builds the channel on a Resend client created from cfg.
func NewMailChannel(cfg config.EmailConfig, users store.UserStore, reg prometheus.Registerer) *MailChannel {
	logger.GetLogger().Infow("Initializing mail channel",
		"from", cfg.FromAddress, "apikey", logger.MaskSensitiveString(cfg.ResendAPIKey, 3, 0))
	client := resend.NewClient(cfg.ResendAPIKey)
	return NewMailChannelWithSender(cfg, users, client.Emails, reg)
}

// NewMailChannelWithSender is NewMailChannel with an explicit sender.
func NewMailChannelWithSender(cfg config.EmailConfig, users store.UserStore, emails EmailSender, reg prometheus.Registerer) *MailChannel {
	metrics := &mailMetrics{
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "push_mail_send_duration_seconds",
			Help:    "Time taken to send notification emails",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		}),
		errorCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_mail_errors_total",
			Help: "Total number of notification email errors",
		}),
		sentCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_mail_sent_total",
			Help: "Total number of notification emails sent",
		}),
	}
	reg.MustRegister(metrics.sendLatency)
	reg.MustRegister(metrics.errorCount)
	reg.MustRegister(metrics.sentCount)

	return &MailChannel{
		cfg:     cfg,
		users:   users,
		emails:  emails,
		metrics: metrics,
		tmpl:    template.Must(template.New("notification").Parse(notificationEmailTemplate)),
	}
}

func (c *MailChannel) Name() string { return ChannelMail }

// Deliver is a no-op for users without a verified email address.
func (c *MailChannel) Deliver(ctx context.Context, userID string, tmpl types.NotificationTemplate) error {
	log := logger.GetLogger()
	startTime := time.Now()
	defer func() {
		c.metrics.sendLatency.Observe(time.Since(startTime).Seconds())
	}()

	user, err := c.users.GetUserByID(ctx, userID)
	if err != nil {
		c.metrics.errorCount.Inc()
		return fmt.Errorf("load user for mail: %w", err)
	}
	if user.Email == "" || !user.EmailVerified {
		log.Debugw("Skipping mail channel, no verified email", "userID", userID)
		return nil
	}

	var html bytes.Buffer
	if err := c.tmpl.Execute(&html, tmpl); err != nil {
		c.metrics.errorCount.Inc()
		return fmt.Errorf("failed to execute template: %w", err)
	}

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", c.cfg.FromName, c.cfg.FromAddress),
		To:      []string{user.Email},
		Subject: tmpl.Title,
		Html:    html.String(),
	}
	if _, err := c.emails.SendWithContext(ctx, params); err != nil {
		c.metrics.errorCount.Inc()
		log.Errorw("Failed to send notification email",
			"error", err,
			"to", logger.MaskEmail(user.Email),
			"type", tmpl.Type)
		return fmt.Errorf("email send failed: %w", err)
	}

	c.metrics.sentCount.Inc()
	log.Infow("Notification email sent", "to", logger.MaskEmail(user.Email), "type", tmpl.Type)
	return nil
}

// ChannelRouter delivers a notification through every channel routed for its type.
type ChannelRouter struct {
	channels map[string]NotificationChannel
	routes   map[string][]string
	log      *zap.Logger
}

// NewChannelRouter creates a router. Types without a route go to push only.
func NewChannelRouter(routes map[string][]string, channels ...NotificationChannel) *ChannelRouter {
	r := &ChannelRouter{
		channels: make(map[string]NotificationChannel, len(channels)),
		routes:   routes,
		log:      logger.Named("channel-router"),
	}
	for _, ch := range channels {
		r.channels[ch.Name()] = ch
	}
	return r
}

// ChannelsFor lists the channel names a notification type is routed to.
func (r *ChannelRouter) ChannelsFor(notifType types.NotificationType) []string {
	if names, ok := r.routes[string(notifType)]; ok && len(names) > 0 {
		return names
	}
	return []string{ChannelPush}
}

// Deliver runs every routed channel. A failing channel does not stop the others;
// their errors are joined.
func (r *ChannelRouter) Deliver(ctx context.Context, userID string, tmpl types.NotificationTemplate) error {
	var errs []error
	for _, name := range r.ChannelsFor(tmpl.Type) {
		ch, ok := r.channels[name]
		if !ok {
			r.log.Warn("Notification routed to unregistered channel",
				zap.String("channel", name),
				zap.String("type", string(tmpl.Type)))
			continue
		}
		if err := ch.Deliver(ctx, userID, tmpl); err != nil {
			r.log.Error("Channel delivery failed",
				zap.String("channel", name),
				zap.String("userID", userID),
				zap.String("type", string(tmpl.Type)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// DeliverMany runs every routed channel for userIDs. A BulkChannel receives the
// whole set; other channels are called once per user.
func (r *ChannelRouter) DeliverMany(ctx context.Context, userIDs []string, tmpl types.NotificationTemplate) error {
	var errs []error
	for _, name := range r.ChannelsFor(tmpl.Type) {
		ch, ok := r.channels[name]
		if !ok {
			r.log.Warn("Notification routed to unregistered channel",
				zap.String("channel", name),
				zap.String("type", string(tmpl.Type)))
			continue
		}

		if bulk, ok := ch.(BulkChannel); ok {
			if err := bulk.DeliverMany(ctx, userIDs, tmpl); err != nil {
				r.log.Error("Bulk channel delivery failed",
					zap.String("channel", name),
					zap.Int("users", len(userIDs)),
					zap.String("type", string(tmpl.Type)),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			continue
		}

		failures := 0
		for _, userID := range userIDs {
			if err := ch.Deliver(ctx, userID, tmpl); err != nil {
				failures++
				r.log.Error("Channel delivery failed",
					zap.String("channel", name),
					zap.String("userID", userID),
					zap.String("type", string(tmpl.Type)),
					zap.Error(err))
			}
		}
		if failures > 0 {
			errs = append(errs, fmt.Errorf("%s: %d of %d user(s) failed", name, failures, len(userIDs)))
		}
	}
	return errors.Join(errs...)
}

const notificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body { font-family: sans-serif; background-color: #f7f7f7; color: #333333; margin: 0; padding: 20px; }
        .container { max-width: 600px; margin: 20px auto; background-color: #ffffff; padding: 30px; border-radius: 12px; }
        h1 { font-size: 24px; margin-bottom: 16px; }
        p { font-size: 16px; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Title}}</h1>
        <p>{{.Body}}</p>
    </div>
</body>
</html>`
