package downstream

import (
	"context"
	"fmt"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/gofiber/fiber/v2"
)

// WebhookNotifier posts the summary to an analysis endpoint. Client errors
// other than 408 and 429 are permanent; everything else is retried.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
}

var _ port.Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, timeout: timeout}
}

func (n *WebhookNotifier) Notify(ctx context.Context, summary domain.ValidationSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	agent := fiber.Post(n.url).
		JSON(summary).
		Set("Idempotency-Key", summary.SessionID).
		Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("post session %s: %w", summary.SessionID, errs[0])
	}

	switch {
	case code >= 200 && code < 300:
		return nil
	case code == fiber.StatusRequestTimeout || code == fiber.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("post session %s: status %d: %s", summary.SessionID, code, truncate(body))
	default:
		return domain.Permanent(fmt.Errorf("post session %s: status %d: %s", summary.SessionID, code, truncate(body)))
	}
}

func (n *WebhookNotifier) Close() error { return nil }

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
