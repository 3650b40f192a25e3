package token

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Decode failures form a closed set. Callers branch with errors.Is, never on
// message text.
var (
	ErrExpired              = errors.New("token has expired")
	ErrInvalidAudience      = errors.New("invalid token audience")
	ErrInvalidIssuer        = errors.New("invalid token issuer")
	ErrInvalidSignature     = errors.New("invalid token signature")
	ErrMalformed            = errors.New("invalid token")
	ErrRefreshWindowExpired = errors.New("token is beyond refresh window")
	ErrRefreshLimitReached  = errors.New("token has reached maximum refresh count")
)

const maxRefreshCount = 10

// Options configures a Codec. Issuer/Audience cover broker-issued tokens;
// the Federation pair is the relaxed allow-list for externally issued tokens.
type Options struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey

	Issuer             string
	Audience           string
	FederationIssuer   string
	FederationAudience string

	TTL        time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration

	Now func() time.Time
}

// Codec signs and verifies both token variants with a single RSA keypair.
type Codec struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey

	issuer      string
	audience    string
	fedIssuer   string
	fedAudience string

	ttl        time.Duration
	refreshTTL time.Duration
	leeway     time.Duration

	now func() time.Time
}

func NewCodec(opts Options) (*Codec, error) {
	if opts.PublicKey == nil {
		return nil, fmt.Errorf("token codec requires a public key")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Codec{
		private:     opts.PrivateKey,
		public:      opts.PublicKey,
		issuer:      opts.Issuer,
		audience:    opts.Audience,
		fedIssuer:   opts.FederationIssuer,
		fedAudience: opts.FederationAudience,
		ttl:         opts.TTL,
		refreshTTL:  opts.RefreshTTL,
		leeway:      opts.Leeway,
		now:         now,
	}, nil
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// Issue signs a standard token. Registered claims left zero are filled from
// the codec configuration.
func (c *Codec) Issue(claims *StandardClaims) (string, error) {
	if c.private == nil {
		return "", fmt.Errorf("token codec has no signing key")
	}
	now := c.now()

	if claims.Issuer == "" {
		claims.Issuer = c.issuer
	}
	if len(claims.Audience) == 0 {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}
	if claims.TTL == 0 {
		claims.TTL = c.ttl.Hours()
	}
	if claims.RefreshTTL == 0 {
		claims.RefreshTTL = c.refreshTTL.Hours()
	}
	if claims.IDType == "" {
		claims.IDType = TypeStandard
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	ttl := time.Duration(claims.TTL * float64(time.Hour))
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueFederation signs a federation token carrying resource patterns
// instead of explicit authorities.
func (c *Codec) IssueFederation(claims *FederationClaims) (string, error) {
	if c.private == nil {
		return "", fmt.Errorf("token codec has no signing key")
	}
	now := c.now()

	if claims.Issuer == "" {
		claims.Issuer = c.fedIssuer
	}
	if len(claims.Audience) == 0 {
		claims.Audience = jwt.ClaimStrings{c.fedAudience}
	}
	if claims.IDType == "" {
		claims.IDType = "secid"
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	if len(claims.Roles) == 0 {
		claims.Roles = FederationRoles
	}
	claims.Authenticated = true
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	claims.SessionStart = now.Unix()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// FederationResources builds the standard resource patterns for a subject
// and their station set.
func FederationResources(subject string, vistaIDs []VistaID) []string {
	resources := []string{
		"^.*(/)?patient[s]?(/.*)?$",
		fmt.Sprintf("^.*(/)?staff/%s(/.*)?$", subject),
	}
	sites := make([]string, 0, len(vistaIDs))
	for _, v := range vistaIDs {
		sites = append(sites, v.SiteID)
	}
	if len(sites) > 0 {
		resources = append(resources,
			fmt.Sprintf("^.*(/)?site[s]?/(dfn-)?(%s)(/.*)?$", strings.Join(sites, "|")))
	}
	return resources
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode verifies a standard token against the broker issuer and audience.
func (c *Codec) Decode(tok string) (*StandardClaims, error) {
	claims := &StandardClaims{}
	if err := c.decode(tok, claims, false); err != nil {
		return nil, err
	}
	if err := c.checkIssuerAudience(&claims.RegisteredClaims, []string{c.issuer}, []string{c.audience}); err != nil {
		return nil, err
	}
	return claims, nil
}

// DecodeFederation verifies a federation token. Both the federation and the
// broker issuer/audience are accepted.
func (c *Codec) DecodeFederation(tok string) (*FederationClaims, error) {
	claims := &FederationClaims{}
	if err := c.decode(tok, claims, false); err != nil {
		return nil, err
	}
	issuers := []string{c.fedIssuer, c.issuer}
	audiences := []string{c.fedAudience, c.audience}
	if err := c.checkIssuerAudience(&claims.RegisteredClaims, issuers, audiences); err != nil {
		return nil, err
	}
	return claims, nil
}

// DecodeAny tries the standard variant first, then federation. The returned
// Claims hide which variant matched.
func (c *Codec) DecodeAny(tok string) (Claims, error) {
	claims, err := c.Decode(tok)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, ErrInvalidIssuer) || errors.Is(err, ErrInvalidAudience) {
		fed, fedErr := c.DecodeFederation(tok)
		if fedErr == nil {
			return fed, nil
		}
	}
	return nil, err
}

func (c *Codec) decode(tok string, claims jwt.Claims, skipExpiry bool) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(c.leeway),
	}
	if skipExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parser := jwt.NewParser(opts...)
	_, err := parser.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) {
		return c.public, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return fmt.Errorf("%w: %v", ErrExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		default:
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}

// checkIssuerAudience enforces the required registered claims and matches
// issuer and audience against allow-lists.
func (c *Codec) checkIssuerAudience(rc *jwt.RegisteredClaims, issuers, audiences []string) error {
	if rc.ExpiresAt == nil || rc.IssuedAt == nil || rc.Subject == "" || rc.Issuer == "" || len(rc.Audience) == 0 {
		return fmt.Errorf("%w: missing required claims", ErrMalformed)
	}
	issuerOK := false
	for _, iss := range issuers {
		if iss != "" && rc.Issuer == iss {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return fmt.Errorf("%w: %q", ErrInvalidIssuer, rc.Issuer)
	}
	for _, aud := range rc.Audience {
		for _, allowed := range audiences {
			if allowed != "" && aud == allowed {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidAudience, []string(rc.Audience))
}

// ---------------------------------------------------------------------------
// Refresh
// ---------------------------------------------------------------------------

// Refresh re-issues a token whose expiry falls within the refresh window.
// The window extends refresh_ttl past exp; the signature must still verify.
func (c *Codec) Refresh(tok string) (string, error) {
	claims := &StandardClaims{}
	if err := c.decode(tok, claims, true); err != nil {
		return "", err
	}
	if err := c.checkIssuerAudience(&claims.RegisteredClaims, []string{c.issuer}, []string{c.audience}); err != nil {
		return "", err
	}

	now := c.now()
	window := c.refreshTTL
	if claims.RefreshTTL > 0 {
		window = time.Duration(claims.RefreshTTL * float64(time.Hour))
	}
	if now.After(claims.ExpiresAt.Time.Add(window)) {
		return "", ErrRefreshWindowExpired
	}
	if claims.RefreshCount >= maxRefreshCount {
		return "", ErrRefreshLimitReached
	}

	ttl := c.ttl
	if claims.TTL > 0 {
		ttl = time.Duration(claims.TTL * float64(time.Hour))
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.RefreshCount++

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ---------------------------------------------------------------------------
// Unverified inspection
// ---------------------------------------------------------------------------

// PeekExpiry reads the exp claim without verifying the signature. Callers use
// it only to schedule refreshes of tokens they already trust.
func PeekExpiry(tok string) (time.Time, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return time.Time{}, ErrMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var body struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if body.Exp == 0 {
		return time.Time{}, fmt.Errorf("%w: no exp claim", ErrMalformed)
	}
	return time.Unix(body.Exp, 0), nil
}
