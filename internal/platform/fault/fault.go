// Package fault defines the broker fault taxonomy and the wire error
// envelope. Faults form a closed set; callers classify with errors.As.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes carried in the errorCode field.
const (
	CodeNotAuthenticated     = "JWT-ACCESS-DENIED-0001"
	CodeAuthenticationFailed = "JWT-AUTHENTICATION-ERROR-0002"
	CodeStationDenied        = "ACCESS-DENIED-79902"
	CodeExecutionDenied      = "ACCESS-DENIED-78292"
	CodeTokenInvalid         = "JWT-INVALID"
	CodeTokenExpired         = "JWT-EXPIRED"
	CodeSignatureInvalid     = "JWT-SIGNATURE-INVALID"
	CodeRefreshExpired       = "JWT-REFRESH-WINDOW-EXPIRED"
	CodeConnectionError      = "VISTA_LINK_ERROR"
	CodeProcedureFault       = "RPC_FAULT"
)

// Fault codes carried in the faultCode field.
const (
	FaultStationNotAuthorized = "STATION_DUZ_NOT_AUTHORIZED"
	FaultRPCNotAuthorized     = "RPC_NOT_AUTHORIZED"
	FaultRestrictedNotAllowed = "DDR_NOT_ALLOWED"
	FaultConnectionTimeout    = "CONNECTION_TIMEOUT"
	FaultRPCError             = "RPC_ERROR"
)

// SecurityFault is raised when a connection or execution check fails.
type SecurityFault struct {
	Message   string
	ErrorCode string
	FaultCode string
}

func (e *SecurityFault) Error() string { return e.Message }

// AuthFault is raised when bearer-token validation fails.
type AuthFault struct {
	Message   string
	ErrorCode string
}

func (e *AuthFault) Error() string { return e.Message }

// ConnectionFault is raised when the legacy system cannot be reached.
type ConnectionFault struct {
	Message    string
	FaultCode  string
	FaultActor string
}

func (e *ConnectionFault) Error() string { return e.Message }

// ProcedureFault is raised when a procedure fails during execution. It
// carries the procedure name for the fault string.
type ProcedureFault struct {
	Message   string
	Procedure string
	FaultCode string
}

func (e *ProcedureFault) Error() string { return e.Message }

// Response is the wire error envelope.
type Response struct {
	Success        bool   `json:"success"`
	ErrorCode      string `json:"errorCode"`
	ResponseStatus int    `json:"responseStatus"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Path           string `json:"path"`
	ErrorType      string `json:"errorType,omitempty"`
	FaultActor     string `json:"faultActor,omitempty"`
	FaultCode      string `json:"faultCode,omitempty"`
	FaultString    string `json:"faultString,omitempty"`
}

// NewResponse builds a bare envelope without fault details.
func NewResponse(errorCode, title, message, path string, status int) *Response {
	return &Response{
		ErrorCode:      errorCode,
		ResponseStatus: status,
		Title:          title,
		Message:        message,
		Path:           path,
	}
}

// Render maps a fault to its HTTP status and envelope. Unrecognized errors
// become a generic 500.
func Render(err error, path string) (int, *Response) {
	var sec *SecurityFault
	if errors.As(err, &sec) {
		status := http.StatusUnauthorized
		title := "Unauthorized"
		if strings.Contains(sec.ErrorCode, "DENIED") {
			status = http.StatusForbidden
			title = "Access Denied"
		}
		resp := NewResponse(sec.ErrorCode, title, sec.Message, path, status)
		resp.ErrorType = "SecurityFault"
		resp.FaultCode = sec.FaultCode
		return status, resp
	}

	var auth *AuthFault
	if errors.As(err, &auth) {
		resp := NewResponse(auth.ErrorCode, "JWT Authentication Error", auth.Message, path, http.StatusUnauthorized)
		resp.ErrorType = "JwtException"
		return http.StatusUnauthorized, resp
	}

	var conn *ConnectionFault
	if errors.As(err, &conn) {
		actor := conn.FaultActor
		if actor == "" {
			actor = "VistaLinkConnector"
		}
		resp := NewResponse(CodeConnectionError, "VistA Connection Error", conn.Message, path, http.StatusInternalServerError)
		resp.ErrorType = "VistaLinkFault"
		resp.FaultActor = actor
		resp.FaultCode = conn.FaultCode
		resp.FaultString = conn.Message
		return http.StatusInternalServerError, resp
	}

	var rpc *ProcedureFault
	if errors.As(err, &rpc) {
		code := rpc.FaultCode
		if code == "" {
			code = FaultRPCError
		}
		resp := NewResponse(CodeProcedureFault, "RPC Execution Error", rpc.Message, path, http.StatusBadRequest)
		resp.ErrorType = "RpcFault"
		resp.FaultActor = "RpcInvoker"
		resp.FaultCode = code
		resp.FaultString = fmt.Sprintf("RPC %s failed: %s", rpc.Procedure, rpc.Message)
		return http.StatusBadRequest, resp
	}

	resp := NewResponse("GENERAL-ERROR", "Application Error", err.Error(), path, http.StatusInternalServerError)
	resp.ErrorType = "FoundationsException"
	return http.StatusInternalServerError, resp
}
