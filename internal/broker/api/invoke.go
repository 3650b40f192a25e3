package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vistabridge/vistabridge/internal/broker/dispatch"
	"github.com/vistabridge/vistabridge/internal/platform/authz"
	"github.com/vistabridge/vistabridge/internal/platform/fault"
)

// InvokeHandler executes procedures after the connection and execution
// checks pass.
type InvokeHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
}

func NewInvokeHandler(dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *InvokeHandler {
	return &InvokeHandler{dispatcher: dispatcher, logger: logger}
}

// RegisterRoutes mounts the invoke endpoint.
func (h *InvokeHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/sites/:stationNo/users/:duz/rpc/invoke", h.Invoke)
}

type invokeResponse struct {
	Path    string      `json:"path"`
	Payload interface{} `json:"payload"`
}

// Invoke handles POST /sites/{stationNo}/users/{duz}/rpc/invoke.
func (h *InvokeHandler) Invoke(c echo.Context) error {
	path := c.Request().URL.Path
	station := c.Param("stationNo")
	duz := c.Param("duz")

	engine := authz.NewEngine(ClaimsFrom(c))
	if err := engine.AssertConnection(station, duz); err != nil {
		status, resp := fault.Render(err, path)
		return c.JSON(status, resp)
	}

	var req dispatch.Request
	if err := c.Bind(&req); err != nil {
		resp := fault.NewResponse("HTTP-400", "Bad Request", "invalid request body", path, http.StatusBadRequest)
		return c.JSON(http.StatusBadRequest, resp)
	}
	if req.RPC == "" || req.Context == "" {
		resp := fault.NewResponse("HTTP-400", "Bad Request", "rpc and context are required", path, http.StatusBadRequest)
		return c.JSON(http.StatusBadRequest, resp)
	}

	if err := engine.AssertExecution(req.Context, req.RPC); err != nil {
		status, resp := fault.Render(err, path)
		return c.JSON(status, resp)
	}

	result, err := h.dispatcher.Execute(c.Request().Context(), &req)
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("rpc", req.RPC).
			Str("station", station).
			Msg("procedure execution failed")
		status, resp := fault.Render(err, path)
		return c.JSON(status, resp)
	}

	h.logger.Debug().
		Str("rpc", req.RPC).
		Str("context", req.Context).
		Str("station", station).
		Str("duz", duz).
		Msg("procedure executed")

	return c.JSON(http.StatusOK, invokeResponse{Path: path, Payload: result})
}
