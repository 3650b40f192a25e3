// Package issuer exchanges application keys for signed tokens and refreshes
// tokens still inside their refresh window.
package issuer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vistabridge/vistabridge/internal/broker/grants"
	"github.com/vistabridge/vistabridge/internal/platform/fault"
	"github.com/vistabridge/vistabridge/internal/platform/token"
)

// Issuer turns registrations into standard tokens.
type Issuer struct {
	store  grants.Store
	codec  *token.Codec
	logger zerolog.Logger
}

func New(store grants.Store, codec *token.Codec, logger zerolog.Logger) *Issuer {
	return &Issuer{store: store, codec: codec, logger: logger}
}

// IssueForKey validates an application key and returns a signed token.
// Unknown, inactive, and issuance-barred keys all surface the same
// authentication fault so callers cannot probe the key space.
func (i *Issuer) IssueForKey(ctx context.Context, appKey string) (string, error) {
	app, err := i.store.GetByKey(ctx, appKey)
	if err != nil {
		if errors.Is(err, grants.ErrNotFound) {
			return "", &fault.AuthFault{Message: "invalid key", ErrorCode: fault.CodeAuthenticationFailed}
		}
		return "", fmt.Errorf("look up application: %w", err)
	}
	if !app.Active {
		return "", &fault.AuthFault{Message: "invalid key", ErrorCode: fault.CodeAuthenticationFailed}
	}
	if !app.HasConfig(token.FlagAllowTokenIssuance) {
		return "", &fault.AuthFault{
			Message:   "application key not valid for vista token usage",
			ErrorCode: fault.CodeAuthenticationFailed,
		}
	}

	authorities := make([]token.Authority, 0, len(app.Permissions))
	for _, p := range app.Permissions {
		authorities = append(authorities, token.Authority{Context: p.ContextName, RPC: p.RPCName})
	}

	// Stations may repeat across permissions; the token carries each
	// station:duz pair once.
	seen := make(map[string]bool)
	vistaIDs := make([]token.VistaID, 0, len(app.Stations))
	for _, s := range app.Stations {
		pair := s.StationNo + ":" + s.UserDUZ
		if seen[pair] {
			continue
		}
		seen[pair] = true
		vistaIDs = append(vistaIDs, token.VistaID{SiteID: s.StationNo, DUZ: s.UserDUZ})
	}

	claims := &token.StandardClaims{
		ApplicationKey: app.AppKey,
		Flags:          app.Configs,
		User: &token.UserPrincipal{
			Username:      app.AppName,
			Application:   "vista-api-x",
			Authenticated: true,
			VistaIDs:      vistaIDs,
			Authorities:   authorities,
		},
	}
	claims.Subject = app.AppName

	signed, err := i.codec.Issue(claims)
	if err != nil {
		return "", fmt.Errorf("issue token for %q: %w", app.AppKey, err)
	}

	i.logger.Info().
		Str("app_name", app.AppName).
		Int("stations", len(vistaIDs)).
		Int("authorities", len(authorities)).
		Msg("issued token")
	return signed, nil
}

// RefreshToken re-issues a token inside its refresh window, mapping codec
// failures to the auth fault vocabulary.
func (i *Issuer) RefreshToken(tok string) (string, error) {
	if tok == "" {
		return "", &fault.AuthFault{Message: "Missing token", ErrorCode: fault.CodeNotAuthenticated}
	}
	refreshed, err := i.codec.Refresh(tok)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrRefreshWindowExpired):
			return "", &fault.AuthFault{Message: "token is beyond refresh window", ErrorCode: fault.CodeRefreshExpired}
		case errors.Is(err, token.ErrExpired):
			return "", &fault.AuthFault{Message: "token expired", ErrorCode: fault.CodeTokenExpired}
		default:
			return "", &fault.AuthFault{Message: "invalid token", ErrorCode: fault.CodeTokenInvalid}
		}
	}
	return refreshed, nil
}
