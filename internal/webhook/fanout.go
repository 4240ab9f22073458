// Package webhook notifies family-registered endpoints about terminal job
// transitions, with durable deliveries and a backoff retry ladder.
package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

// Fanout turns terminal job events into one pending delivery per subscribed
// webhook. Payloads are frozen at emit time so retries always send what the
// job looked like when it finished.
type Fanout struct {
	store store.Store
}

func NewFanout(st store.Store) *Fanout {
	return &Fanout{store: st}
}

type jobPayload struct {
	Event     string                    `json:"event"`
	Job       *model.EnforcementJob     `json:"job"`
	Results   []model.EnforcementResult `json:"results"`
	EmittedAt time.Time                 `json:"emitted_at"`
}

type syncPayload struct {
	Event     string                   `json:"event"`
	Job       *model.SourceSyncJob     `json:"job"`
	Results   []model.SourceSyncResult `json:"results"`
	EmittedAt time.Time                `json:"emitted_at"`
}

// EmitJob fans out a terminal enforcement job to the family's subscribers.
func (f *Fanout) EmitJob(ctx context.Context, job *model.EnforcementJob, results []model.EnforcementResult) {
	event := model.JobEvent(job.Status)
	if event == "" {
		return
	}
	child, err := f.store.GetChild(ctx, job.ChildID)
	if err != nil {
		zap.L().Error("webhook fanout: load child", zap.String("child_id", job.ChildID), zap.Error(err))
		return
	}
	payload, err := json.Marshal(jobPayload{Event: event, Job: job, Results: results, EmittedAt: time.Now().UTC()})
	if err != nil {
		zap.L().Error("webhook fanout: marshal payload", zap.Error(err))
		return
	}
	f.enqueue(ctx, child.FamilyID, event, payload)
}

// EmitSync fans out a terminal source sync job.
func (f *Fanout) EmitSync(ctx context.Context, job *model.SourceSyncJob, results []model.SourceSyncResult) {
	event := model.SyncEvent(job.Status)
	if event == "" {
		return
	}
	child, err := f.store.GetChild(ctx, job.ChildID)
	if err != nil {
		zap.L().Error("webhook fanout: load child", zap.String("child_id", job.ChildID), zap.Error(err))
		return
	}
	payload, err := json.Marshal(syncPayload{Event: event, Job: job, Results: results, EmittedAt: time.Now().UTC()})
	if err != nil {
		zap.L().Error("webhook fanout: marshal payload", zap.Error(err))
		return
	}
	f.enqueue(ctx, child.FamilyID, event, payload)
}

func (f *Fanout) enqueue(ctx context.Context, familyID, event string, payload []byte) {
	hooks, err := f.store.ActiveWebhooksForEvent(ctx, event)
	if err != nil {
		zap.L().Error("webhook fanout: list subscribers", zap.String("event", event), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	var deliveries []model.WebhookDelivery
	for _, h := range hooks {
		if h.FamilyID != familyID {
			continue
		}
		deliveries = append(deliveries, model.WebhookDelivery{
			ID:          uuid.NewString(),
			WebhookID:   h.ID,
			Event:       event,
			Payload:     payload,
			NextRetryAt: &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if len(deliveries) == 0 {
		return
	}
	if err := f.store.CreateDeliveries(ctx, deliveries); err != nil {
		zap.L().Error("webhook fanout: create deliveries", zap.String("event", event), zap.Error(err))
		return
	}
	zap.L().Info("webhook deliveries queued",
		zap.String("event", event),
		zap.Int("count", len(deliveries)))
}
