// Package events publishes and consumes corpusd events over NATS.
//
// Subjects:
//   - corpusd.sync.completed.{tenant}: a connector finished syncing
//   - corpusd.jobs.{tenant}.{job}.{started|progress|completed|failed}: embed job lifecycle
//   - corpusd.connectors.{tenant}.{connector}.authorized: OAuth callback consumed
package events

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/tenant"
)

const subjectRoot = "corpusd"

// Handler processes one message payload.
type Handler func(ctx context.Context, data []byte)

// Bus publishes JSON events and delivers them to subscribers.
type Bus interface {
	// Publish encodes v as JSON and publishes it on subject.
	Publish(ctx context.Context, subject string, v any) error
	// Subscribe delivers messages matching subject, which may use the NATS
	// wildcards * and >. Subscribers sharing a non-empty queue split the
	// messages between them. The returned func unsubscribes.
	Subscribe(ctx context.Context, subject, queue string, h Handler) (func() error, error)
	Close() error
}

// SyncCompletedSubject returns the subject a tenant's sync completions use.
func SyncCompletedSubject(tenantID tenant.ID) string {
	return tenantID.Subject(subjectRoot + ".sync.completed")
}

// SyncCompletedWildcard matches sync completions of every tenant.
const SyncCompletedWildcard = subjectRoot + ".sync.completed.*"

// JobSubject returns the subject for an embed job event.
func JobSubject(tenantID tenant.ID, jobID, event string) string {
	return tenantID.Subject(subjectRoot+".jobs") + "." + jobID + "." + event
}

// ConnectorAuthorizedSubject returns the subject for a completed OAuth
// handshake.
func ConnectorAuthorizedSubject(tenantID tenant.ID, connector string) string {
	return tenantID.Subject(subjectRoot+".connectors") + "." + connector + ".authorized"
}

// SyncCompleted is published by connectors when a sync job finishes.
type SyncCompleted struct {
	TenantID    tenant.ID `json:"tenant_id"`
	JobID       string    `json:"job_id"`
	Connector   string    `json:"connector"`
	Documents   int       `json:"documents"`
	CompletedAt time.Time `json:"completed_at"`
}

// JobEvent reports embed job lifecycle.
type JobEvent struct {
	TenantID  tenant.ID `json:"tenant_id"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Embedded  int       `json:"embedded"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectorAuthorized hands an authorization code to the connector service,
// which performs the token exchange.
type ConnectorAuthorized struct {
	TenantID     tenant.ID `json:"tenant_id"`
	Connector    string    `json:"connector"`
	Code         string    `json:"code"`
	Verifier     string    `json:"verifier"`
	AuthorizedAt time.Time `json:"authorized_at"`
}
