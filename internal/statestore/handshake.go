package statestore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"golang.org/x/oauth2"
)

const handshakePrefix = "handshake."

// Handshake is the server-side half of an in-progress OAuth authorization.
type Handshake struct {
	State     string    `json:"state"`
	TenantID  tenant.ID `json:"tenant_id"`
	Connector string    `json:"connector"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

// Handshakes stores OAuth handshake state so the callback may land on any
// instance. Each state can be consumed exactly once.
type Handshakes struct {
	store Store
	now   func() time.Time
}

// NewHandshakes wraps store.
func NewHandshakes(store Store) *Handshakes {
	return &Handshakes{store: store, now: time.Now}
}

// Begin records a new handshake for tenant and connector and returns it with
// a fresh random state and PKCE verifier.
func (h *Handshakes) Begin(ctx context.Context, tenantID tenant.ID, connector string) (Handshake, error) {
	if err := tenantID.Validate(); err != nil {
		return Handshake{}, err
	}
	state, err := randomState()
	if err != nil {
		return Handshake{}, err
	}
	hs := Handshake{
		State:     state,
		TenantID:  tenantID,
		Connector: connector,
		Verifier:  oauth2.GenerateVerifier(),
		CreatedAt: h.now().UTC(),
	}
	data, err := json.Marshal(hs)
	if err != nil {
		return Handshake{}, fmt.Errorf("encoding handshake: %w", err)
	}
	if err := h.store.Put(ctx, handshakePrefix+state, data); err != nil {
		return Handshake{}, fmt.Errorf("storing handshake: %w", err)
	}
	return hs, nil
}

// Consume returns and deletes the handshake for state. A second call, or a
// call after the TTL, returns ErrNotFound.
func (h *Handshakes) Consume(ctx context.Context, state string) (Handshake, error) {
	data, err := h.store.Take(ctx, handshakePrefix+state)
	if err != nil {
		return Handshake{}, err
	}
	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return Handshake{}, fmt.Errorf("%w: handshake %s: %v", cache.ErrCacheCorruption, state, err)
	}
	return hs, nil
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
