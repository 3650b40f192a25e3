// Package authz decides whether decoded claims permit connecting to a
// station and executing a procedure. It is pure: no I/O, no clock.
package authz

import (
	"fmt"
	"strings"

	"github.com/vistabridge/vistabridge/internal/platform/fault"
	"github.com/vistabridge/vistabridge/internal/platform/token"
)

const (
	wildcard = "*"

	restrictedContext = "DDR APPLICATION PROXY"
	restrictedPrefix  = "DDR"
)

// Engine evaluates one request's claims. A nil claims value means the
// request never authenticated.
type Engine struct {
	claims token.Claims
}

func NewEngine(claims token.Claims) *Engine {
	return &Engine{claims: claims}
}

// AssertConnection checks that the claims grant access to the station/duz
// pair. Stations compare by their 3-character prefix.
func (e *Engine) AssertConnection(station, duz string) error {
	if e.claims == nil {
		return &fault.SecurityFault{
			Message:   "Not authenticated",
			ErrorCode: fault.CodeNotAuthenticated,
		}
	}
	if !e.hasStationAccess(station, duz) {
		return &fault.SecurityFault{
			Message:   fmt.Sprintf("Connection not allowed to station=%s, duz=%s", station, duz),
			ErrorCode: fault.CodeStationDenied,
			FaultCode: fault.FaultStationNotAuthorized,
		}
	}
	return nil
}

// AssertExecution checks that the claims grant running rpc under context.
// Restricted procedures additionally require the restricted-access flag.
func (e *Engine) AssertExecution(context, rpc string) error {
	if e.claims == nil {
		return &fault.SecurityFault{
			Message:   "Not authenticated",
			ErrorCode: fault.CodeNotAuthenticated,
		}
	}
	if context == restrictedContext || strings.HasPrefix(rpc, restrictedPrefix) {
		if !e.claims.HasFlag(token.FlagAllowRestricted) {
			return &fault.SecurityFault{
				Message:   fmt.Sprintf("DDR access not allowed. Missing %s flag.", token.FlagAllowRestricted),
				ErrorCode: fault.CodeExecutionDenied,
				FaultCode: fault.FaultRestrictedNotAllowed,
			}
		}
	}
	if !e.hasAuthority(context, rpc) {
		return &fault.SecurityFault{
			Message:   fmt.Sprintf("RPC execution not allowed: %s/%s", context, rpc),
			ErrorCode: fault.CodeExecutionDenied,
			FaultCode: fault.FaultRPCNotAuthorized,
		}
	}
	return nil
}

// CheckPermission reports whether the full station/duz/context/rpc tuple is
// permitted, without surfacing which check failed.
func (e *Engine) CheckPermission(station, duz, context, rpc string) bool {
	if err := e.AssertConnection(station, duz); err != nil {
		return false
	}
	return e.AssertExecution(context, rpc) == nil
}

// AllowedStations returns the normalized stations the claims can reach.
// Wildcard grants are omitted.
func (e *Engine) AllowedStations() []string {
	if e.claims == nil {
		return nil
	}
	var stations []string
	seen := make(map[string]bool)
	for _, v := range e.claims.StationGrants() {
		if v.SiteID == "" || v.SiteID == wildcard {
			continue
		}
		s := normalizeStation(v.SiteID)
		if !seen[s] {
			seen[s] = true
			stations = append(stations, s)
		}
	}
	return stations
}

// AllowedProcedures returns the granted context/rpc pairs as strings.
func (e *Engine) AllowedProcedures() []string {
	if e.claims == nil {
		return nil
	}
	var procs []string
	for _, a := range e.claims.AuthorityGrants() {
		if a.Context == "" || a.RPC == "" {
			continue
		}
		procs = append(procs, a.Context+"/"+a.RPC)
	}
	return procs
}

// HasWildcardAccess reports whether the claims carry a */* authority.
func (e *Engine) HasWildcardAccess() bool {
	if e.claims == nil {
		return false
	}
	for _, a := range e.claims.AuthorityGrants() {
		if a.Context == wildcard && a.RPC == wildcard {
			return true
		}
	}
	return false
}

func (e *Engine) hasStationAccess(station, duz string) bool {
	want := normalizeStation(station)
	for _, v := range e.claims.StationGrants() {
		siteOK := v.SiteID == wildcard || normalizeStation(v.SiteID) == want
		duzOK := v.DUZ == wildcard || v.DUZ == duz
		if siteOK && duzOK {
			return true
		}
	}
	return false
}

func (e *Engine) hasAuthority(context, rpc string) bool {
	for _, a := range e.claims.AuthorityGrants() {
		ctxOK := a.Context == wildcard || a.Context == context
		rpcOK := a.RPC == wildcard || a.RPC == rpc
		if ctxOK && rpcOK {
			return true
		}
	}
	return false
}

// normalizeStation reduces a station to its 3-character prefix. Shorter
// values pass through unchanged.
func normalizeStation(station string) string {
	if len(station) >= 3 {
		return station[:3]
	}
	return station
}
