package client

import "fmt"

// ---------------------------------------------------------------------------
// APIError
// ---------------------------------------------------------------------------

// Error kinds reported by the broker in its fault envelope errorType field.
// Responses that carry no recognizable envelope fall back to KindHTTPError.
const (
	KindSecurityFault  = "SecurityFault"
	KindVistaLinkFault = "VistaLinkFault"
	KindRpcFault       = "RpcFault"
	KindJwtException   = "JwtException"
	KindHTTPError      = "HTTPError"
)

// APIError is the client-side view of a failed broker call. Kind is one of
// the Kind* constants, Code is the broker's errorCode (e.g.
// "ACCESS-DENIED-78292"), and StatusCode is the HTTP status of the response.
type APIError struct {
	Kind       string
	Code       string
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s (%d): %s", e.Kind, e.Code, e.StatusCode, e.Message)
}

// IsAuth reports whether the error came back with HTTP 401, meaning the
// bearer token was rejected rather than the grant being insufficient.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == 401
}
