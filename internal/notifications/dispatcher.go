// Package notifications delivers goal conversions to webhooks and Slack.
// Deliveries are queued and sent by background workers; a full queue drops
// the notification instead of blocking the caller.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"pulse/internal/events"
	"pulse/internal/goals"
	"pulse/internal/metrics"
)

const (
	ChannelWebhook = "webhook"
	ChannelSlack   = "slack"

	eventGoalConverted = "goal.converted"
	userAgent          = "Pulse-Webhook/1.0"
)

// Config sizes the dispatcher.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// RateLimit is the number of outbound requests per second across all
	// workers. Zero or less disables limiting.
	RateLimit float64
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Workers:   2,
		QueueSize: 256,
		Timeout:   10 * time.Second,
		RateLimit: 5,
	}
}

// Payload is the JSON body posted to goal webhooks.
type Payload struct {
	DeliveryID  string             `json:"delivery_id"`
	Event       string             `json:"event"`
	GoalID      uint               `json:"goal_id"`
	GoalName    string             `json:"goal_name"`
	SiteID      uint               `json:"site_id"`
	SessionID   string             `json:"session_id"`
	VisitorHash string             `json:"visitor_hash"`
	Path        string             `json:"path"`
	Revenue     float64            `json:"revenue"`
	Currency    string             `json:"currency,omitempty"`
	Attribution events.Attribution `json:"attribution"`
	ConvertedAt time.Time          `json:"converted_at"`
}

type slackMessage struct {
	Text string `json:"text"`
}

type job struct {
	deliveryID string
	goal       goals.Goal
	conversion goals.Conversion
}

// Dispatcher implements goals.Notifier and runs as a background worker.
type Dispatcher struct {
	queue   chan *job
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	workers int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ goals.Notifier = (*Dispatcher)(nil)

func NewDispatcher(logger *slog.Logger, cfg Config) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Dispatcher{
		queue: make(chan *job, cfg.QueueSize),
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
		logger:  logger,
		workers: cfg.Workers,
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	d.stopCh = make(chan struct{})
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(d.stopCh)
	}
	d.running = true
	d.logger.Info("Notification workers started", slog.Int("workers", d.workers))
	return nil
}

// Stop waits for in-flight deliveries. Queued notifications that were not
// picked up are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	close(d.stopCh)
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Notification workers stopped", slog.Int("dropped", len(d.queue)))
}

// Notify queues the conversion for delivery. It never blocks.
func (d *Dispatcher) Notify(goal goals.Goal, conversion goals.Conversion) {
	if goal.WebhookURL == "" && goal.SlackWebhookURL == "" {
		return
	}

	j := &job{deliveryID: uuid.NewString(), goal: goal, conversion: conversion}
	select {
	case d.queue <- j:
	default:
		metrics.Get().NotificationsDropped.Inc()
		d.logger.Warn("Notification queue full, dropping delivery",
			slog.Uint64("goal_id", uint64(goal.ID)),
			slog.String("session_id", conversion.SessionID))
	}
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) worker(stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		case j := <-d.queue:
			d.deliver(j)
		}
	}
}

// deliver sends the webhook and the Slack message concurrently. Each one
// fails on its own; neither is retried.
func (d *Dispatcher) deliver(j *job) {
	var wg conc.WaitGroup
	if j.goal.WebhookURL != "" {
		wg.Go(func() {
			d.send(ChannelWebhook, j, j.goal.WebhookURL, webhookPayload(j))
		})
	}
	if j.goal.SlackWebhookURL != "" {
		wg.Go(func() {
			d.send(ChannelSlack, j, j.goal.SlackWebhookURL, slackPayload(j))
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		d.logger.Error("Notification delivery panicked",
			slog.Uint64("goal_id", uint64(j.goal.ID)),
			slog.String("delivery_id", j.deliveryID),
			slog.Any("panic", r.Value))
	}
}

func (d *Dispatcher) send(channel string, j *job, url string, body any) {
	err := d.post(channel, j.deliveryID, url, body)
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		d.logger.Warn("Notification delivery failed",
			slog.String("channel", channel),
			slog.Uint64("goal_id", uint64(j.goal.ID)),
			slog.String("session_id", j.conversion.SessionID),
			slog.String("delivery_id", j.deliveryID),
			slog.Any("error", err))
	}
	metrics.Get().NotificationsSent.WithLabelValues(channel, outcome).Inc()
}

func (d *Dispatcher) post(channel, deliveryID, url string, body any) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if channel == ChannelWebhook {
		req.Header.Set("X-Pulse-Event", eventGoalConverted)
		req.Header.Set("X-Pulse-Delivery", deliveryID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func webhookPayload(j *job) Payload {
	c := j.conversion
	convertedAt := c.CreatedAt
	if convertedAt.IsZero() {
		convertedAt = time.Now().UTC()
	}
	return Payload{
		DeliveryID:  j.deliveryID,
		Event:       eventGoalConverted,
		GoalID:      j.goal.ID,
		GoalName:    j.goal.Name,
		SiteID:      c.SiteID,
		SessionID:   c.SessionID,
		VisitorHash: c.VisitorHash,
		Path:        c.ConversionPath,
		Revenue:     c.Revenue,
		Currency:    c.Currency,
		Attribution: c.Attribution,
		ConvertedAt: convertedAt,
	}
}

func slackPayload(j *job) slackMessage {
	text := fmt.Sprintf("Goal *%s* converted on %s", j.goal.Name, j.conversion.ConversionPath)
	if j.conversion.Revenue > 0 {
		text += fmt.Sprintf(" (%.2f %s)", j.conversion.Revenue, j.conversion.Currency)
	}
	if source := j.conversion.UTMSource; source != "" {
		text += fmt.Sprintf(" via %s", source)
	} else if ref := j.conversion.ReferrerHostname; ref != "" && ref != events.DirectReferrer {
		text += fmt.Sprintf(" from %s", ref)
	}
	return slackMessage{Text: text}
}
