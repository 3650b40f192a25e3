package issuer

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vistabridge/vistabridge/internal/platform/fault"
)

// Handler exposes the token endpoints.
type Handler struct {
	issuer *Issuer
}

func NewHandler(issuer *Issuer) *Handler {
	return &Handler{issuer: issuer}
}

// RegisterRoutes mounts the auth endpoints on a group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/token", h.GenerateToken)
	g.POST("/refresh", h.RefreshToken)
}

type credentialsRequest struct {
	Key string `json:"key"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type apiResponse struct {
	Path string            `json:"path"`
	Data map[string]string `json:"data"`
}

// GenerateToken handles POST /auth/token.
func (h *Handler) GenerateToken(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		status, resp := fault.Render(&fault.AuthFault{
			Message:   "invalid request body",
			ErrorCode: fault.CodeAuthenticationFailed,
		}, c.Path())
		return c.JSON(status, resp)
	}

	tok, err := h.issuer.IssueForKey(c.Request().Context(), req.Key)
	if err != nil {
		status, resp := fault.Render(err, c.Path())
		return c.JSON(status, resp)
	}

	return c.JSON(http.StatusOK, apiResponse{
		Path: c.Path(),
		Data: map[string]string{"token": tok},
	})
}

// RefreshToken handles POST /auth/refresh.
func (h *Handler) RefreshToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		status, resp := fault.Render(&fault.AuthFault{
			Message:   "invalid request body",
			ErrorCode: fault.CodeTokenInvalid,
		}, c.Path())
		return c.JSON(status, resp)
	}

	tok, err := h.issuer.RefreshToken(req.Token)
	if err != nil {
		status, resp := fault.Render(err, c.Path())
		return c.JSON(status, resp)
	}

	return c.JSON(http.StatusOK, apiResponse{
		Path: c.Path(),
		Data: map[string]string{"token": tok},
	})
}
