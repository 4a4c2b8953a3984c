// Package notify delivers outbound notifications to the messaging
// collaborator. Delivery is fire-and-forget: the entitlement engine never
// blocks on it and a lost notification never affects access state.
package notify

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

	"github.com/enrollhq/entitlement/internal/idgen"
	"github.com/enrollhq/entitlement/internal/metrics"
)

// Message is one outbound notification.
type Message struct {
	ID          string         `json:"id"`
	SubjectID   string         `json:"subjectId"`
	TemplateKey string         `json:"templateKey"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Enqueue(subjectID, templateKey string, data map[string]any)
}

// HTTPNotifier posts HMAC-signed messages to a single endpoint. Each
// message gets a bounded number of attempts with backoff in its own
// goroutine; after the last failure it is dropped with a log line.
type HTTPNotifier struct {
	url      string
	secret   string
	client   *http.Client
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewHTTPNotifier creates a notifier posting to url, signing with secret.
func NewHTTPNotifier(url, secret string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		attempts: 3,
		backoff:  2 * time.Second,
	}
}

// Enqueue sends the message asynchronously. It never blocks and never
// reports failure to the caller.
func (n *HTTPNotifier) Enqueue(subjectID, templateKey string, data map[string]any) {
	msg := &Message{
		ID:          idgen.WithPrefix("nt"),
		SubjectID:   subjectID,
		TemplateKey: templateKey,
		Data:        data,
		Timestamp:   time.Now(),
	}
	go n.deliver(msg)
}

func (n *HTTPNotifier) deliver(msg *Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		n.logger.Error("failed to encode notification", "template", msg.TemplateKey, "error", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(n.backoff * time.Duration(attempt-1))
		}
		if lastErr = n.post(payload, msg); lastErr == nil {
			metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
			return
		}
	}
	metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
	n.logger.Warn("notification dropped after retries",
		"template", msg.TemplateKey, "subject_id", msg.SubjectID, "error", lastErr)
}

func (n *HTTPNotifier) post(payload []byte, msg *Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notify-Template", msg.TemplateKey)
	req.Header.Set("X-Notify-Timestamp", fmt.Sprintf("%d", msg.Timestamp.Unix()))
	if n.secret != "" {
		req.Header.Set("X-Notify-Signature", sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Nop is a Notifier that drops everything. Used when no endpoint is
// configured.
type Nop struct{}

func (Nop) Enqueue(subjectID, templateKey string, data map[string]any) {}
