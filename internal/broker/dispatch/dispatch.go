// Package dispatch executes procedures against the simulated legacy broker:
// a handler registry with configurable latency, error injection, and a
// bounded retry loop in front of it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vistabridge/vistabridge/internal/platform/fault"
)

// Parameter is one procedure argument. Exactly one field is set.
type Parameter struct {
	Ref        string            `json:"ref,omitempty"`
	String     string            `json:"string,omitempty"`
	Array      []string          `json:"array,omitempty"`
	NamedArray map[string]string `json:"namedArray,omitempty"`
}

// Value returns whichever variant is populated.
func (p Parameter) Value() interface{} {
	switch {
	case p.String != "":
		return p.String
	case p.Ref != "":
		return p.Ref
	case p.Array != nil:
		return p.Array
	case p.NamedArray != nil:
		return p.NamedArray
	}
	return nil
}

// StringValue returns the string or ref variant, or "".
func (p Parameter) StringValue() string {
	if p.String != "" {
		return p.String
	}
	return p.Ref
}

// Request is one procedure invocation.
type Request struct {
	RPC        string      `json:"rpc"`
	Context    string      `json:"context"`
	Version    float64     `json:"version,omitempty"`
	TimeoutMS  int         `json:"timeout,omitempty"`
	JSONResult bool        `json:"jsonResult,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// HandlerFunc executes one registered procedure.
type HandlerFunc func(params []Parameter) (interface{}, error)

// Config controls the simulated transport around handler execution.
type Config struct {
	EnableDelay   bool
	MinDelay      time.Duration
	MaxDelay      time.Duration
	ErrorRate     float64
	RetryAttempts int
	RetryDelay    time.Duration
}

// Dispatcher routes requests to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	cfg    Config
	logger zerolog.Logger

	// overridable in tests
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Dispatcher{
		handlers:  make(map[string]HandlerFunc),
		cfg:       cfg,
		logger:    logger,
		randFloat: rand.Float64,
		sleep:     sleepCtx,
	}
}

// Register adds or replaces a handler for a procedure name.
func (d *Dispatcher) Register(name string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = fn
}

// Registered returns the sorted-insertion set of known procedure names.
func (d *Dispatcher) Registered() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Execute runs a request through the simulated transport. Injected
// connection failures retry up to the configured attempts with a fixed
// delay; exhaustion surfaces a ConnectionFault. Handler errors become
// ProcedureFaults and never retry.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (interface{}, error) {
	for attempt := 0; attempt < d.cfg.RetryAttempts; attempt++ {
		if d.cfg.EnableDelay {
			if err := d.sleep(ctx, d.randomDelay()); err != nil {
				return nil, err
			}
		}

		if d.cfg.ErrorRate > 0 && d.randFloat() < d.cfg.ErrorRate {
			if attempt < d.cfg.RetryAttempts-1 {
				d.logger.Debug().
					Str("rpc", req.RPC).
					Int("attempt", attempt+1).
					Msg("injected connection failure, retrying")
				if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, &fault.ConnectionFault{
				Message:   "Simulated VistaLink connection failure",
				FaultCode: fault.FaultConnectionTimeout,
			}
		}

		return d.run(req)
	}
	return nil, &fault.ConnectionFault{
		Message:   fmt.Sprintf("RPC execution failed after %d attempts", d.cfg.RetryAttempts),
		FaultCode: fault.FaultConnectionTimeout,
	}
}

func (d *Dispatcher) run(req *Request) (interface{}, error) {
	d.mu.RLock()
	handler, ok := d.handlers[req.RPC]
	d.mu.RUnlock()

	if !ok {
		// Unknown procedures answer with a placeholder, never an error.
		return fmt.Sprintf("Mock response for %s in context %s", req.RPC, req.Context), nil
	}

	result, err := handler(req.Parameters)
	if err != nil {
		return nil, &fault.ProcedureFault{
			Message:   fmt.Sprintf("RPC execution error: %s", err),
			Procedure: req.RPC,
			FaultCode: fault.FaultRPCError,
		}
	}
	return shapeResult(result, req.JSONResult), nil
}

// shapeResult applies the jsonResult contract: JSON mode parses JSON-looking
// strings into structures, plain mode serializes structures into strings.
func shapeResult(result interface{}, jsonResult bool) interface{} {
	if jsonResult {
		if s, ok := result.(string); ok {
			trimmed := strings.TrimSpace(s)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				var parsed interface{}
				if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
					return parsed
				}
			}
			return s
		}
		return result
	}

	if s, ok := result.(string); ok {
		return s
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(encoded)
}

func (d *Dispatcher) randomDelay() time.Duration {
	span := d.cfg.MaxDelay - d.cfg.MinDelay
	if span <= 0 {
		return d.cfg.MinDelay
	}
	return d.cfg.MinDelay + time.Duration(rand.Int63n(int64(span)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
