package http

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/statestore"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// HandshakeResponse is returned when an OAuth handshake starts.
type HandshakeResponse struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// CallbackResponse is returned when a handshake completes.
type CallbackResponse struct {
	TenantID  tenant.ID `json:"tenant_id"`
	Connector string    `json:"connector"`
	Status    string    `json:"status"`
}

func oauthConfig(c config.OAuthConnector) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret.Value(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
		RedirectURL: c.RedirectURL,
		Scopes:      c.Scopes,
	}
}

// handleHandshake records the handshake in the shared store and returns the
// provider consent URL with a PKCE S256 challenge.
func (s *Server) handleHandshake(c echo.Context) error {
	tid, err := tenantParam(c)
	if err != nil {
		return err
	}
	if s.svc.Handshakes == nil {
		return echo.NewHTTPError(http.StatusNotFound, "oauth handshakes are not enabled")
	}
	name := c.Param("connector")
	connector, ok := s.svc.OAuth[name]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown connector "+name)
	}

	hs, err := s.svc.Handshakes.Begin(c.Request().Context(), tid, name)
	if err != nil {
		return err
	}
	url := oauthConfig(connector).AuthCodeURL(hs.State,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(hs.Verifier))
	return c.JSON(http.StatusOK, HandshakeResponse{AuthURL: url, State: hs.State})
}

// handleOAuthCallback consumes the state exactly once, whichever instance
// receives the redirect, and hands the code to the connector service.
func (s *Server) handleOAuthCallback(c echo.Context) error {
	if s.svc.Handshakes == nil {
		return echo.NewHTTPError(http.StatusNotFound, "oauth handshakes are not enabled")
	}
	state := c.QueryParam("state")
	if state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state is required")
	}
	ctx := c.Request().Context()

	hs, err := s.svc.Handshakes.Consume(ctx, state)
	if errors.Is(err, statestore.ErrNotFound) || errors.Is(err, statestore.ErrInvalidKey) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid or expired state")
	}
	if err != nil {
		return err
	}
	ctx = tenant.WithTenant(ctx, hs.TenantID)

	if denied := c.QueryParam("error"); denied != "" {
		s.logger.Info(ctx, "oauth authorization denied",
			zap.String("connector", hs.Connector), zap.String("reason", denied))
		return echo.NewHTTPError(http.StatusBadRequest, "authorization denied: "+denied)
	}
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	if s.svc.Bus != nil {
		err := s.svc.Bus.Publish(ctx, events.ConnectorAuthorizedSubject(hs.TenantID, hs.Connector), events.ConnectorAuthorized{
			TenantID:     hs.TenantID,
			Connector:    hs.Connector,
			Code:         code,
			Verifier:     hs.Verifier,
			AuthorizedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	s.logger.Info(ctx, "oauth handshake completed", zap.String("connector", hs.Connector))
	return c.JSON(http.StatusOK, CallbackResponse{TenantID: hs.TenantID, Connector: hs.Connector, Status: "authorized"})
}
