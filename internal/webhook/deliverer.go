package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

// MaxAttempts is the delivery ceiling: after this many failed attempts a
// delivery is marked permanently failed and never retried.
const MaxAttempts = 5

// backoffLadder holds the delay before each retry, indexed by the attempt
// count already made. Attempt 1 fails -> wait 1m; attempt 4 fails -> wait
// 24h before the fifth and final try.
var backoffLadder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	4 * time.Hour,
	24 * time.Hour,
}

// Backoff returns the wait after the given number of completed attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(backoffLadder) {
		attempts = len(backoffLadder)
	}
	return backoffLadder[attempts-1]
}

// Deliverer POSTs delivery payloads to subscriber URLs and advances their
// retry state.
type Deliverer struct {
	store  store.Store
	client *http.Client
	now    func() time.Time
}

func NewDeliverer(st store.Store) *Deliverer {
	return &Deliverer{
		store:  st,
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

// Deliver attempts one delivery. Any 2xx response counts as delivered;
// anything else schedules the next rung of the backoff ladder or, at the
// attempt ceiling, marks the delivery permanently failed.
func (d *Deliverer) Deliver(ctx context.Context, delivery *model.WebhookDelivery) error {
	hook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			// subscriber was deleted after the event was queued
			delivery.Permanent = true
			delivery.LastError = "webhook deleted"
			delivery.NextRetryAt = nil
			return d.store.UpdateDelivery(ctx, delivery)
		}
		return err
	}

	delivery.Attempts++
	if postErr := d.post(ctx, hook.URL, delivery); postErr != nil {
		delivery.LastError = postErr.Error()
		if delivery.Attempts >= MaxAttempts {
			delivery.Permanent = true
			delivery.NextRetryAt = nil
			zap.L().Warn("webhook delivery permanently failed",
				zap.String("delivery_id", delivery.ID),
				zap.String("event", delivery.Event),
				zap.Int("attempts", delivery.Attempts))
		} else {
			next := d.now().UTC().Add(Backoff(delivery.Attempts))
			delivery.NextRetryAt = &next
			zap.L().Info("webhook delivery rescheduled",
				zap.String("delivery_id", delivery.ID),
				zap.Int("attempts", delivery.Attempts),
				zap.Time("next_retry_at", next))
		}
		return d.store.UpdateDelivery(ctx, delivery)
	}

	delivery.Success = true
	delivery.LastError = ""
	delivery.NextRetryAt = nil
	zap.L().Debug("webhook delivered",
		zap.String("delivery_id", delivery.ID),
		zap.String("event", delivery.Event),
		zap.Int("attempts", delivery.Attempts))
	return d.store.UpdateDelivery(ctx, delivery)
}

func (d *Deliverer) post(ctx context.Context, url string, delivery *model.WebhookDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(delivery.Payload))
	if err != nil {
		return eris.Wrap(err, "webhook: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Safeguard-Event", delivery.Event)
	req.Header.Set("X-Safeguard-Delivery", delivery.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "webhook: post")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return eris.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
