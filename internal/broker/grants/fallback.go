package grants

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// FallbackStore wraps a primary store and synthesizes a fixed wildcard
// registration for configured test keys when the primary is unreachable.
// The fallback fires only on store errors other than ErrNotFound: a healthy
// primary answering "not found" is authoritative, and unknown keys always
// fail closed.
type FallbackStore struct {
	primary  Store
	testKeys map[string]bool
	logger   zerolog.Logger
}

func NewFallbackStore(primary Store, testKeys []string, logger zerolog.Logger) *FallbackStore {
	keys := make(map[string]bool, len(testKeys))
	for _, k := range testKeys {
		keys[k] = true
	}
	return &FallbackStore{primary: primary, testKeys: keys, logger: logger}
}

// GetByKey implements Store.
func (s *FallbackStore) GetByKey(ctx context.Context, appKey string) (*Application, error) {
	app, err := s.primary.GetByKey(ctx, appKey)
	if err == nil {
		return app, nil
	}
	if errors.Is(err, ErrNotFound) || !s.testKeys[appKey] {
		return nil, err
	}

	s.logger.Warn().
		Err(err).
		Str("app_key", appKey).
		Msg("grant store unreachable, serving test-key fallback registration")

	name := "Test Application"
	if appKey == "test-wildcard-key-456" {
		name = "Test Wildcard Application"
	}
	return &Application{
		AppKey:  appKey,
		AppName: name,
		Active:  true,
		Permissions: []Permission{
			{StationNo: "*", UserDUZ: "*", ContextName: "*", RPCName: "*"},
		},
		Stations: []Station{{StationNo: "*", UserDUZ: "*"}},
		Configs: []string{
			"ALLOW_VISTA_API_X_TOKEN",
			"ALLOW_DDR",
			"ALLOW_ALL_STATIONS",
			"ALLOW_ALL_RPCS",
		},
	}, nil
}

// Put implements Store, delegating to the primary.
func (s *FallbackStore) Put(ctx context.Context, app *Application) error {
	return s.primary.Put(ctx, app)
}
