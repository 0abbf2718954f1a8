package ingest

import (
	"context"
	"encoding/json"

	"github.com/fyrsmithlabs/corpusd/internal/events"
	"go.uber.org/zap"
)

// QueueGroup spreads sync completions across instances so each triggers
// one run.
const QueueGroup = "corpusd-ingest"

// SubscribeSyncCompleted runs the tenant's backlog whenever a connector
// reports a finished sync. The returned func unsubscribes.
func (s *Service) SubscribeSyncCompleted(ctx context.Context, bus events.Bus) (func() error, error) {
	return bus.Subscribe(ctx, events.SyncCompletedWildcard, QueueGroup, func(ctx context.Context, data []byte) {
		var ev events.SyncCompleted
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("malformed sync completion", zap.Error(err))
			return
		}
		if err := ev.TenantID.Validate(); err != nil {
			s.logger.Warn("sync completion without tenant", zap.String("job_id", ev.JobID), zap.Error(err))
			return
		}
		report, err := s.EmbedTenantDocuments(ctx, ev.TenantID, false)
		if err != nil {
			s.logger.Error("embedding after sync failed",
				zap.String("tenant.id", string(ev.TenantID)),
				zap.String("sync_job_id", ev.JobID),
				zap.Error(err))
			return
		}
		s.logger.Info("embedded after sync",
			zap.String("tenant.id", string(ev.TenantID)),
			zap.String("sync_job_id", ev.JobID),
			zap.String("connector", ev.Connector),
			zap.Int("embedded", report.Embedded),
			zap.Int("failed", report.Failed))
	})
}
