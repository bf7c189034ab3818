package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/graphkit/pkg/client"
	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/predicate"
	"github.com/rmax-ai/graphkit/pkg/watch"
)

const (
	// DefaultTimeout is the HTTP client timeout for webhook requests.
	DefaultTimeout = 5 * time.Second
	// MaxRetries is the number of delivery attempts.
	MaxRetries = 3

	SignatureHeader = "X-Graphkit-Signature"
)

// WebhookConfig describes one webhook endpoint and what it listens to.
type WebhookConfig struct {
	WebhookID string     `json:"webhook_id"`
	URL       string     `json:"url"`
	Secret    string     `json:"secret,omitempty"`
	Kind      graph.Kind `json:"kind,omitempty"`
	Expr      string     `json:"expr"`
}

// WebhookPayload is the JSON body posted for every matched entry.
type WebhookPayload struct {
	DeliveryID string      `json:"delivery_id"`
	WebhookID  string      `json:"webhook_id"`
	Graph      string      `json:"graph"`
	SentAt     time.Time   `json:"sent_at"`
	Entry      graph.Entry `json:"entry"`
}

// Webhook forwards matched change log entries to an HTTP endpoint. It runs
// its deliveries on its own serial dispatcher, so a slow endpoint delays
// only its own queue.
type Webhook struct {
	cfg     WebhookConfig
	graph   string
	client  *http.Client
	backoff client.BackoffStrategy
	logger  *slog.Logger

	disp   *watch.Serial
	ctx    context.Context
	cancel context.CancelFunc
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

func WithBackoff(b client.BackoffStrategy) WebhookOption {
	return func(w *Webhook) { w.backoff = b }
}

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a webhook for entries of the named graph.
func NewWebhook(graphName string, cfg WebhookConfig, opts ...WebhookOption) *Webhook {
	if cfg.WebhookID == "" {
		cfg.WebhookID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:   cfg,
		graph: graphName,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		backoff: client.DefaultBackoff(),
		logger:  slog.Default(),
		disp:    watch.NewSerial(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) ID() string { return w.cfg.WebhookID }

// Register subscribes the webhook to r with its configured kind and
// predicate expression.
func (w *Webhook) Register(r *watch.Registry) (watch.Handle, error) {
	p, err := predicate.Parse(w.cfg.Expr)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", watch.ErrSubscription, err)
	}
	return r.SubscribeOwned(w.cfg.Kind, p, watch.EntryFunc(w.Deliver), watch.WithDispatcher(w.disp))
}

// Deliver posts one entry. Failures are logged; there is no redelivery
// once MaxRetries attempts have failed.
func (w *Webhook) Deliver(e graph.Entry) {
	if err := w.send(w.ctx, e); err != nil {
		GraphkitWebhookDeliveriesTotal.WithLabelValues(w.cfg.WebhookID, "failed").Inc()
		w.logger.Error("failed to deliver entry", "webhook", w.cfg.WebhookID, "kind", e.Kind, "node", e.Node.ID, "error", err)
		return
	}
	GraphkitWebhookDeliveriesTotal.WithLabelValues(w.cfg.WebhookID, "ok").Inc()
}

// Flush waits until every queued delivery has finished.
func (w *Webhook) Flush(ctx context.Context) error {
	return w.disp.Flush(ctx)
}

// Close aborts pending retries and stops the delivery queue.
func (w *Webhook) Close() {
	w.cancel()
	w.disp.Close()
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// send performs the HTTP POST with retries.
func (w *Webhook) send(ctx context.Context, e graph.Entry) error {
	payload, err := json.Marshal(WebhookPayload{
		DeliveryID: uuid.NewString(),
		WebhookID:  w.cfg.WebhookID,
		Graph:      w.graph,
		SentAt:     time.Now().UTC(),
		Entry:      e,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	var lastErr error
	for i := 0; i < MaxRetries; i++ {
		if i > 0 {
			if err := client.Sleep(ctx, w.backoff, i-1); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "graphkit-webhook/1.0")
		req.Header.Set("X-Graphkit-Webhook-ID", w.cfg.WebhookID)
		req.Header.Set("X-Graphkit-Entry-Kind", string(e.Kind))
		if w.cfg.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(w.cfg.Secret, payload))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("webhook responded with status: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return lastErr
		}
	}

	return fmt.Errorf("max retries reached: %w", lastErr)
}
