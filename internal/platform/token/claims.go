package token

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators carried in the idType claim.
const (
	TypeStandard = "STANDARD"
	TypeSSOI     = "SSOI"
)

// Application flags that gate broker behavior.
const (
	FlagAllowTokenIssuance = "ALLOW_VISTA_API_X_TOKEN"
	FlagAllowRestricted    = "ALLOW_DDR"
)

// Fixed role set stamped on federation tokens.
var FederationRoles = []string{"staff", "va", "hcp"}

// VistaID identifies a user at a single station.
type VistaID struct {
	SiteID   string `json:"siteId"`
	SiteName string `json:"siteName,omitempty"`
	DUZ      string `json:"duz"`
}

// Authority grants execution of a procedure within a named context.
// Either field may be the wildcard "*".
type Authority struct {
	Context string `json:"context"`
	RPC     string `json:"rpc"`
}

// UserPrincipal is the embedded user object of a standard token.
type UserPrincipal struct {
	ID             string            `json:"id,omitempty"`
	Username       string            `json:"username,omitempty"`
	Application    string            `json:"application,omitempty"`
	Authenticated  bool              `json:"authenticated"`
	ServiceAccount bool              `json:"serviceAccount,omitempty"`
	FirstName      string            `json:"firstName,omitempty"`
	LastName       string            `json:"lastName,omitempty"`
	Email          string            `json:"email,omitempty"`
	DUZ            string            `json:"duz,omitempty"`
	VistaIDs       []VistaID         `json:"vistaIds"`
	Authorities    []Authority       `json:"authorities"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Claims is the decoded-token view the rest of the gateway consumes.
// Both wire variants implement it; callers never switch on the concrete type.
type Claims interface {
	jwt.Claims

	TokenSubject() string
	StationGrants() []VistaID
	AuthorityGrants() []Authority
	HasFlag(flag string) bool
	Registered() *jwt.RegisteredClaims
}

// StandardClaims is the broker-issued token payload.
type StandardClaims struct {
	jwt.RegisteredClaims

	ApplicationKey string         `json:"applicationKey,omitempty"`
	TTL            float64        `json:"ttl,omitempty"`
	RefreshTTL     float64        `json:"refresh_ttl,omitempty"`
	RefreshCount   int            `json:"refresh_count"`
	IDType         string         `json:"idType,omitempty"`
	Flags          []string       `json:"flags,omitempty"`
	User           *UserPrincipal `json:"user,omitempty"`
	Roles          []string       `json:"vamf.auth.roles,omitempty"`
}

func (c *StandardClaims) TokenSubject() string { return c.Subject }

func (c *StandardClaims) StationGrants() []VistaID {
	if c.User == nil {
		return nil
	}
	return c.User.VistaIDs
}

func (c *StandardClaims) AuthorityGrants() []Authority {
	if c.User == nil {
		return nil
	}
	return c.User.Authorities
}

func (c *StandardClaims) HasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (c *StandardClaims) Registered() *jwt.RegisteredClaims { return &c.RegisteredClaims }

// FederationClaims is the externally issued variant. Station identities live
// at the root and procedure access is expressed as resource regex patterns.
type FederationClaims struct {
	jwt.RegisteredClaims

	Authenticated           bool              `json:"authenticated,omitempty"`
	AuthenticationAuthority string            `json:"authenticationAuthority,omitempty"`
	IDType                  string            `json:"idType,omitempty"`
	UserType                string            `json:"userType,omitempty"`
	LOA                     int               `json:"loa,omitempty"`
	FirstName               string            `json:"firstName,omitempty"`
	LastName                string            `json:"lastName,omitempty"`
	Email                   string            `json:"email,omitempty"`
	SessionStart            int64             `json:"sst,omitempty"`
	VistaIDs                []VistaID         `json:"vistaIds,omitempty"`
	Attributes              map[string]string `json:"attributes,omitempty"`
	Resources               []string          `json:"vamf.auth.resources,omitempty"`
	Roles                   []string          `json:"vamf.auth.roles,omitempty"`
	Version                 float64           `json:"version,omitempty"`
}

func (c *FederationClaims) TokenSubject() string { return c.Subject }

func (c *FederationClaims) StationGrants() []VistaID { return c.VistaIDs }

// AuthorityGrants converts resource patterns to the internal grant shape.
// Patient-resource access maps to the fixed wildcard authority pair.
func (c *FederationClaims) AuthorityGrants() []Authority {
	for _, r := range c.Resources {
		if strings.Contains(r, "patient") {
			return []Authority{
				{Context: "LHS RPC CONTEXT", RPC: "*"},
				{Context: "OR CPRS GUI CHART", RPC: "*"},
			}
		}
	}
	return nil
}

// HasFlag treats federation tokens as pre-cleared for issuance but nothing
// restricted.
func (c *FederationClaims) HasFlag(flag string) bool {
	return flag == FlagAllowTokenIssuance
}

func (c *FederationClaims) Registered() *jwt.RegisteredClaims { return &c.RegisteredClaims }
