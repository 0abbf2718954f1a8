package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
)

const progressPrefix = "progress."

// Job statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Progress is a snapshot of a long-running tenant job.
type Progress struct {
	TenantID  tenant.ID `json:"tenant_id"`
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Embedded  int       `json:"embedded"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressTracker stores job progress in the shared store so any instance
// can answer status queries.
type ProgressTracker struct {
	store Store
}

// NewProgressTracker wraps store.
func NewProgressTracker(store Store) *ProgressTracker {
	return &ProgressTracker{store: store}
}

func progressKey(tenantID tenant.ID, jobID string) string {
	return progressPrefix + string(tenantID) + "." + jobID
}

// Update writes p, stamping UpdatedAt.
func (t *ProgressTracker) Update(ctx context.Context, p Progress) error {
	if err := p.TenantID.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	return t.store.Put(ctx, progressKey(p.TenantID, p.JobID), data)
}

// Get returns the latest progress for a tenant's job.
func (t *ProgressTracker) Get(ctx context.Context, tenantID tenant.ID, jobID string) (Progress, error) {
	if err := tenantID.Validate(); err != nil {
		return Progress{}, err
	}
	data, err := t.store.Get(ctx, progressKey(tenantID, jobID))
	if err != nil {
		return Progress{}, err
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, fmt.Errorf("%w: progress %s: %v", cache.ErrCacheCorruption, jobID, err)
	}
	if p.TenantID != tenantID {
		return Progress{}, ErrNotFound
	}
	return p, nil
}
