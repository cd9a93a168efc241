package guildhall

import (
	"context"
	"fmt"
	"github.com/go-resty/resty/v2"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const alertSendTimeout = 10 * time.Second

// AlertSink posts failure notifications to a Discord webhook. Alerts are
// sent asynchronously and dropped when they arrive faster than the
// configured minimum interval. A nil *AlertSink, or one without a URL,
// discards everything.
type AlertSink struct {
	client  *resty.Client
	url     string
	limiter *rate.Limiter
	logger  *slog.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewAlertSink(
	cfg *AlertsConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *AlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: alertSendTimeout}
	}
	a := &AlertSink{
		logger: logger.With(loggerNameKey, "alerts"),
	}
	if cfg == nil || cfg.WebhookURL == "" {
		return a
	}

	interval := cfg.MinInterval
	if interval <= 0 {
		interval = DefaultAlertsMinInterval
	}
	a.url = cfg.WebhookURL
	a.limiter = rate.NewLimiter(rate.Every(interval), 1)
	a.client = resty.NewWithClient(httpClient).
		SetHeader("Content-Type", "application/json").
		SetTimeout(alertSendTimeout)
	return a
}

func (a *AlertSink) enabled() bool {
	return a != nil && a.url != ""
}

// Notify queues an alert. It never blocks on the webhook.
func (a *AlertSink) Notify(ctx context.Context, title string, body string) {
	if !a.enabled() {
		return
	}
	if !a.limiter.Allow() {
		a.dropped.Add(1)
		a.logger.DebugContext(ctx, "alert dropped", "title", title)
		return
	}

	content := shortenString(
		fmt.Sprintf("**%s**\n```\n%s\n```", title, body),
		discordMaxMessageLength,
	)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertSendTimeout)
		defer cancel()

		resp, err := a.client.R().
			SetContext(sendCtx).
			SetBody(map[string]string{"content": content}).
			Post(a.url)
		switch {
		case err != nil:
			a.logger.WarnContext(sendCtx, "error sending alert", tint.Err(err))
		case resp.IsError():
			a.logger.WarnContext(
				sendCtx,
				"alert webhook returned an error",
				"status", resp.StatusCode(),
				"body", truncate(resp.String(), 200),
			)
		}
	}()
}

// Wait blocks until in-flight alerts have been sent
func (a *AlertSink) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

// Dropped returns the number of alerts discarded by the rate limit
func (a *AlertSink) Dropped() int64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}
