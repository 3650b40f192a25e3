// Package grants holds the application registrations the broker issues
// tokens from: which stations an application key can reach and which
// procedures it may run there.
package grants

import (
	"context"
	"errors"
	"sync"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrNotFound indicates the application key has no registration.
	ErrNotFound = errors.New("application not found")

	// ErrInactive indicates the registration exists but is disabled.
	ErrInactive = errors.New("application inactive")
)

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// Permission grants one context/rpc pair at one station/duz. Any field may
// be the wildcard "*".
type Permission struct {
	StationNo   string `json:"stationNo"`
	UserDUZ     string `json:"userDuz"`
	ContextName string `json:"contextName"`
	RPCName     string `json:"rpcName"`
}

// Station is a station/duz identity the application may connect as.
type Station struct {
	StationNo string `json:"stationNo"`
	UserDUZ   string `json:"userDuz"`
}

// Application is one registered caller of the broker.
type Application struct {
	AppKey      string       `json:"appKey"`
	AppName     string       `json:"appName"`
	Active      bool         `json:"active"`
	Permissions []Permission `json:"permissions"`
	Stations    []Station    `json:"stations"`
	Configs     []string     `json:"configs"`
}

// HasConfig reports whether the registration carries a config flag.
func (a *Application) HasConfig(name string) bool {
	for _, c := range a.Configs {
		if c == name {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store persists application registrations.
type Store interface {
	// GetByKey retrieves a registration by application key. Returns
	// ErrNotFound when no registration exists.
	GetByKey(ctx context.Context, appKey string) (*Application, error)

	// Put creates or replaces a registration.
	Put(ctx context.Context, app *Application) error
}

// ---------------------------------------------------------------------------
// InMemoryStore
// ---------------------------------------------------------------------------

// InMemoryStore is a thread-safe in-memory Store for development and tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	apps map[string]*Application
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{apps: make(map[string]*Application)}
}

// GetByKey implements Store.
func (s *InMemoryStore) GetByKey(_ context.Context, appKey string) (*Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[appKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copyApplication(app), nil
}

// Put implements Store.
func (s *InMemoryStore) Put(_ context.Context, app *Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apps[app.AppKey] = copyApplication(app)
	return nil
}

func copyApplication(app *Application) *Application {
	cp := *app
	cp.Permissions = append([]Permission(nil), app.Permissions...)
	cp.Stations = append([]Station(nil), app.Stations...)
	cp.Configs = append([]string(nil), app.Configs...)
	return &cp
}
