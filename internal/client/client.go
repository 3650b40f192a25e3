package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// Parameter is one positional argument of a remote procedure call. Exactly
// one field should be set.
type Parameter struct {
	Ref        string            `json:"ref,omitempty"`
	String     string            `json:"string,omitempty"`
	Array      []string          `json:"array,omitempty"`
	NamedArray map[string]string `json:"namedArray,omitempty"`
}

// InvokeOptions shape a single Invoke call.
type InvokeOptions struct {
	Context    string      // execution context, e.g. "OR CPRS GUI CHART"
	Parameters []Parameter // positional RPC arguments
	JSONResult bool        // ask the broker to shape the result as JSON
	UseCache   bool        // consult and populate the response cache
	CacheTTL   time.Duration
	ClientJWT  string // caller-supplied bearer; bypasses the token cache
}

type invokeRequest struct {
	RPC        string      `json:"rpc"`
	Context    string      `json:"context"`
	JSONResult bool        `json:"jsonResult,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

type invokeResponse struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

type tokenResponse struct {
	Path string `json:"path"`
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// faultEnvelope mirrors the broker's error body.
type faultEnvelope struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	ErrorType string `json:"errorType"`
}

// ---------------------------------------------------------------------------
// GatewayClient
// ---------------------------------------------------------------------------

// clientJWTHeader carries the application key when the bearer slot is taken
// by a caller-supplied JWT.
const clientJWTHeader = "X-OCTO-VISTA-API"

// defaultCacheTTL applies when InvokeOptions.CacheTTL is unset.
const defaultCacheTTL = 5 * time.Minute

// Options configures a GatewayClient.
type Options struct {
	BaseURL           string        // broker root, no trailing slash
	APIKey            string        // application key used to obtain tokens
	HTTPClient        *http.Client  // optional; defaults to a 30s-timeout client
	ResponseCache     CacheStore    // optional; nil disables response caching
	RefreshBuffer     time.Duration // token refresh buffer; 0 means default
	DefaultCacheTTL   time.Duration // TTL when InvokeOptions.CacheTTL is unset
	DisableTokenCache bool          // fetch a fresh token on every call
	Logger            zerolog.Logger
}

// GatewayClient invokes remote procedures through the broker, managing token
// acquisition and optional response caching.
type GatewayClient struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	tokens     *TokenCache
	cacheToken bool
	cache      CacheStore
	defaultTTL time.Duration
	logger     zerolog.Logger
}

// New creates a GatewayClient.
func New(opts Options) *GatewayClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	ttl := opts.DefaultCacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := &GatewayClient{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		http:       httpClient,
		cacheToken: !opts.DisableTokenCache,
		cache:      opts.ResponseCache,
		defaultTTL: ttl,
		logger:     opts.Logger,
	}
	c.tokens = NewTokenCache(c.fetchToken, opts.RefreshBuffer)
	return c
}

// Invoke executes rpc at the given station on behalf of duz and returns the
// unwrapped payload. Results are cached by station, caller, procedure, and
// parameters when opts.UseCache is set.
func (c *GatewayClient) Invoke(ctx context.Context, station, duz, rpc string, opts InvokeOptions) (json.RawMessage, error) {
	cacheKey := ""
	if opts.UseCache && c.cache != nil {
		key, err := responseCacheKey(station, duz, rpc, opts.Parameters)
		if err != nil {
			return nil, err
		}
		cacheKey = key
		if cached, ok, err := c.cache.Get(cacheKey); err != nil {
			c.logger.Warn().Err(err).Str("rpc", rpc).Msg("response cache read failed")
		} else if ok {
			c.logger.Debug().Str("rpc", rpc).Msg("response cache hit")
			return cached, nil
		}
	}

	body, err := json.Marshal(invokeRequest{
		RPC:        rpc,
		Context:    opts.Context,
		JSONResult: opts.JSONResult,
		Parameters: opts.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/sites/%s/users/%s/rpc/invoke",
		c.baseURL, url.PathEscape(station), url.PathEscape(duz))

	payload, err := c.post(ctx, endpoint, body, opts.ClientJWT)
	if err != nil {
		return nil, err
	}

	result := unwrapPayload(payload)
	if cacheKey != "" {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = c.defaultTTL
		}
		if err := c.cache.Set(cacheKey, result, ttl); err != nil {
			c.logger.Warn().Err(err).Str("rpc", rpc).Msg("response cache write failed")
		}
	}
	return result, nil
}

// post sends the invoke request, retrying exactly once with a fresh token on
// a 401 when the token came from the cache.
func (c *GatewayClient) post(ctx context.Context, endpoint string, body []byte, clientJWT string) (json.RawMessage, error) {
	bearer := clientJWT
	if bearer == "" {
		tok, err := c.bearerToken(ctx)
		if err != nil {
			return nil, err
		}
		bearer = tok
	}

	payload, err := c.doInvoke(ctx, endpoint, body, bearer, clientJWT != "")
	if err == nil || clientJWT != "" {
		return payload, err
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsAuth() {
		return nil, err
	}

	c.logger.Info().Msg("token rejected, refetching and retrying once")
	c.tokens.Invalidate(c.apiKey)
	bearer, err = c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.doInvoke(ctx, endpoint, body, bearer, false)
}

// bearerToken returns the service token, from the cache unless caching is
// disabled.
func (c *GatewayClient) bearerToken(ctx context.Context) (string, error) {
	if !c.cacheToken {
		return c.fetchToken(ctx, c.apiKey)
	}
	return c.tokens.Token(ctx, c.apiKey)
}

func (c *GatewayClient) doInvoke(ctx context.Context, endpoint string, body []byte, bearer string, clientJWT bool) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	if clientJWT {
		req.Header.Set(clientJWTHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read invoke response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, raw)
	}

	var decoded invokeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode invoke response: %w", err)
	}
	if decoded.Payload == nil {
		// Older broker builds returned the payload at the top level.
		return json.RawMessage(raw), nil
	}
	return decoded.Payload, nil
}

// fetchToken exchanges the application key for a bearer token.
func (c *GatewayClient) fetchToken(ctx context.Context, key string) (string, error) {
	body, err := json.Marshal(map[string]string{"key": key})
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", parseAPIError(resp.StatusCode, raw)
	}

	var decoded tokenResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if decoded.Data.Token == "" {
		return "", &APIError{
			Kind:       KindHTTPError,
			Code:       "NoToken",
			Message:    "no token in authentication response",
			StatusCode: resp.StatusCode,
		}
	}
	c.logger.Debug().Msg("obtained bearer token")
	return decoded.Data.Token, nil
}

// Close releases the response cache backend, if any.
func (c *GatewayClient) Close() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Close()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// responseCacheKey derives a stable cache key from the call identity. The
// parameter digest uses the canonical JSON encoding, truncated to 16 hex
// characters.
func responseCacheKey(station, duz, rpc string, params []Parameter) (string, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode parameters for cache key: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return fmt.Sprintf("%s:%s:%s:%s", station, duz, rpc, hex.EncodeToString(sum[:])[:16]), nil
}

// unwrapPayload strips the broker's wrapping layers: {"result": x} inside the
// payload collapses to x.
func unwrapPayload(payload json.RawMessage) json.RawMessage {
	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Result != nil {
		return wrapper.Result
	}
	return payload
}

// parseAPIError converts an error response body into an APIError, falling
// back to a bare HTTPError when the body is not a fault envelope.
func parseAPIError(status int, raw []byte) *APIError {
	var envelope faultEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && (envelope.ErrorCode != "" || envelope.ErrorType != "") {
		kind := envelope.ErrorType
		if kind == "" {
			kind = KindHTTPError
		}
		return &APIError{
			Kind:       kind,
			Code:       envelope.ErrorCode,
			Message:    envelope.Message,
			StatusCode: status,
		}
	}
	return &APIError{
		Kind:       KindHTTPError,
		Code:       fmt.Sprintf("%d", status),
		Message:    string(raw),
		StatusCode: status,
	}
}
