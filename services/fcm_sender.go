package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NomadCrew/order-push-backend/config"
	apperrors "github.com/NomadCrew/order-push-backend/errors"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultClickAction = "FLUTTER_NOTIFICATION_CLICK"
	maxErrorBodyBytes  = 64 << 10
)

// PushMessage is the content sent to every token of a batch.
type PushMessage struct {
	Title string
	Body  string
	Data  map[string]interface{}
	// Category is surfaced to iOS as the aps category; usually the notification type.
	Category    string
	ClickAction string
}

// Outcome is the result of sending to a single token.
type Outcome struct {
	Token        string
	Success      bool
	Skipped      bool
	HTTPStatus   int
	ErrorBody    string
	Unregistered bool
}

// BatchResult holds one Outcome per input token, in input order.
type BatchResult struct {
	Outcomes     []Outcome
	SuccessCount int
	ErrorCount   int
}

// UnregisteredTokens lists tokens the gateway reported as no longer valid.
func (r BatchResult) UnregisteredTokens() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Unregistered {
			out = append(out, o.Token)
		}
	}
	return out
}

// Sender delivers a message to a list of device tokens.
type Sender interface {
	SendBatch(ctx context.Context, tokens []string, msg PushMessage) (BatchResult, error)
}

// FCMSender talks to the FCM HTTP v1 messages:send endpoint.
type FCMSender struct {
	client      *http.Client
	credentials oauth2.TokenSource
	endpoint    string
	timeout     time.Duration
	concurrency int
	limiter     *rate.Limiter
	log         *zap.Logger
	outcomes    *prometheus.CounterVec
}

// Ensure FCMSender implements Sender
var _ Sender = (*FCMSender)(nil)

// NewFCMSender creates a sender. A nil client uses http.DefaultClient.
func NewFCMSender(cfg config.PushConfig, credentials oauth2.TokenSource, client *http.Client, reg prometheus.Registerer) *FCMSender {
	if client == nil {
		client = http.DefaultClient
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &FCMSender{
		client:      client,
		credentials: credentials,
		endpoint:    fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(cfg.BaseURL, "/"), cfg.ProjectID),
		timeout:     cfg.Timeout(),
		concurrency: concurrency,
		limiter:     limiter,
		log:         logger.Named("fcm-sender"),
		outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "push_sender_outcomes_total",
			Help: "Per-token send outcomes by result",
		}, []string{"result"}),
	}
}

// AcquireCredential returns a bearer credential for the gateway.
func (s *FCMSender) AcquireCredential(ctx context.Context) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCredentialError(err)
	}
	tok, err := s.credentials.Token()
	if err != nil {
		return nil, apperrors.NewCredentialError(err)
	}
	if !tok.Valid() {
		return nil, apperrors.NewCredentialError(fmt.Errorf("credential source returned an expired or empty token"))
	}
	return tok, nil
}

// SendOne posts msg to a single token. Failures are reported in the Outcome,
// including a missing or unusable credential.
func (s *FCMSender) SendOne(ctx context.Context, credential *oauth2.Token, token string, msg PushMessage) Outcome {
	out := Outcome{Token: token}
	if credential == nil || credential.AccessToken == "" {
		out.ErrorBody = "no push credential"
		return out
	}

	payload, err := json.Marshal(buildFCMRequest(token, msg))
	if err != nil {
		out.ErrorBody = fmt.Sprintf("encode message: %v", err)
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		out.ErrorBody = fmt.Sprintf("build request: %v", err)
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	credential.SetAuthHeader(req)

	resp, err := s.client.Do(req)
	if err != nil {
		out.ErrorBody = err.Error()
		return out
	}
	defer resp.Body.Close()

	out.HTTPStatus = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Success = true
		return out
	}

	out.ErrorBody = string(body)
	out.Unregistered = isUnregistered(resp.StatusCode, body)
	return out
}

// SendBatch acquires one credential and sends msg to every non-empty token with
// bounded concurrency. The error is non-nil only when no credential could be
// obtained; per-token failures are in the result.
func (s *FCMSender) SendBatch(ctx context.Context, tokens []string, msg PushMessage) (BatchResult, error) {
	result := BatchResult{Outcomes: make([]Outcome, len(tokens))}

	pending := 0
	for i, t := range tokens {
		if t == "" {
			result.Outcomes[i] = Outcome{Skipped: true}
			continue
		}
		pending++
	}
	if pending == 0 {
		return result, nil
	}

	credential, err := s.AcquireCredential(ctx)
	if err != nil {
		s.log.Error("Push credential unavailable, aborting batch",
			zap.String("severity", "critical"),
			zap.Int("tokens", pending),
			zap.Error(err))
		return result, err
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, t := range tokens {
		if t == "" {
			continue
		}
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					result.Outcomes[i] = Outcome{Token: t, ErrorBody: err.Error()}
					return nil
				}
			}
			result.Outcomes[i] = s.SendOne(ctx, credential, t, msg)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range result.Outcomes {
		switch {
		case o.Skipped:
		case o.Success:
			result.SuccessCount++
			s.outcomes.WithLabelValues("success").Inc()
		default:
			result.ErrorCount++
			label := "failure"
			if o.Unregistered {
				label = "unregistered"
			}
			s.outcomes.WithLabelValues(label).Inc()
			s.log.Warn("Push delivery failed",
				zap.String("token", logger.MaskToken(o.Token)),
				zap.Int("status", o.HTTPStatus),
				zap.Bool("unregistered", o.Unregistered),
				zap.String("error", truncate(o.ErrorBody, 512)))
		}
	}

	s.log.Info("Push batch sent",
		zap.Int("tokens", pending),
		zap.Int("success", result.SuccessCount),
		zap.Int("errors", result.ErrorCount))
	return result, nil
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroid        `json:"android"`
	APNS         fcmAPNS           `json:"apns"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Notification fcmAndroidNotification `json:"notification"`
}

type fcmAndroidNotification struct {
	Sound       string `json:"sound"`
	ClickAction string `json:"click_action,omitempty"`
}

type fcmAPNS struct {
	Payload fcmAPNSPayload `json:"payload"`
}

type fcmAPNSPayload struct {
	Aps fcmAps `json:"aps"`
}

type fcmAps struct {
	Sound    string `json:"sound"`
	Category string `json:"category,omitempty"`
}

func buildFCMRequest(token string, msg PushMessage) fcmRequest {
	clickAction := msg.ClickAction
	if clickAction == "" {
		clickAction = defaultClickAction
	}
	return fcmRequest{Message: fcmMessage{
		Token:        token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         stringifyData(msg.Data),
		Android:      fcmAndroid{Notification: fcmAndroidNotification{Sound: "default", ClickAction: clickAction}},
		APNS:         fcmAPNS{Payload: fcmAPNSPayload{Aps: fcmAps{Sound: "default", Category: msg.Category}}},
	}}
}

// stringifyData coerces data values to strings; the gateway only accepts string maps.
// Non-string values are JSON encoded, nil becomes "".
func stringifyData(data map[string]interface{}) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case fmt.Stringer:
			out[k] = val.String()
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// isUnregistered reports whether a gateway rejection means the token should be dropped.
func isUnregistered(status int, body []byte) bool {
	var resp fcmErrorResponse
	_ = json.Unmarshal(body, &resp)

	for _, d := range resp.Error.Details {
		if d.ErrorCode == "UNREGISTERED" {
			return true
		}
	}
	switch resp.Error.Status {
	case "UNREGISTERED", "NOT_FOUND":
		return true
	case "INVALID_ARGUMENT":
		return strings.Contains(strings.ToLower(resp.Error.Message), "registration token")
	}
	return status == http.StatusNotFound
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
