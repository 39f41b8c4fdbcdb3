// Package command implements the control channel of a running engine.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"firestige.xyz/layers/internal/engine"
	"firestige.xyz/layers/internal/log"
)

// Methods understood by the handler.
const (
	MethodStatus   = "status"
	MethodStats    = "stats"
	MethodShutdown = "shutdown"
)

// Engine is the part of engine.Engine the handler reports on.
type Engine interface {
	State() engine.State
	Stats() engine.Stats
}

// Handler answers control commands.
type Handler struct {
	shutdownFunc func(reason string)
	startTime    time.Time

	mu     sync.RWMutex
	engine Engine
}

// NewHandler creates a handler. shutdown is called by the shutdown command.
func NewHandler(shutdown func(reason string)) *Handler {
	return &Handler{
		shutdownFunc: shutdown,
		startTime:    time.Now(),
	}
}

// SetEngine attaches the engine once it is built. Until then status and stats
// report an error.
func (h *Handler) SetEngine(e Engine) {
	h.mu.Lock()
	h.engine = e
	h.mu.Unlock()
}

// Command represents a control command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("command error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// StatusResult is the result of the status command.
type StatusResult struct {
	State     engine.State `json:"state"`
	UptimeSec int64        `json:"uptime_sec"`
}

// ShutdownParams are the optional parameters of the shutdown command.
type ShutdownParams struct {
	Reason string `json:"reason,omitempty"`
}

// Handle processes a command and returns a response.
func (h *Handler) Handle(_ context.Context, cmd Command) Response {
	log.GetLogger().WithFields(map[string]interface{}{
		"method": cmd.Method,
		"id":     cmd.ID,
	}).Debug("handling command")

	switch cmd.Method {
	case MethodStatus:
		return h.handleStatus(cmd)
	case MethodStats:
		return h.handleStats(cmd)
	case MethodShutdown:
		return h.handleShutdown(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

func (h *Handler) attached() Engine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine
}

func (h *Handler) handleStatus(cmd Command) Response {
	e := h.attached()
	if e == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "engine not ready")
	}
	return Response{
		ID: cmd.ID,
		Result: StatusResult{
			State:     e.State(),
			UptimeSec: int64(time.Since(h.startTime).Seconds()),
		},
	}
}

func (h *Handler) handleStats(cmd Command) Response {
	e := h.attached()
	if e == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "engine not ready")
	}
	return Response{ID: cmd.ID, Result: e.Stats()}
}

func (h *Handler) handleShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}
	params := ShutdownParams{Reason: "control"}
	if len(cmd.Params) > 0 && string(cmd.Params) != "null" {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
		if params.Reason == "" {
			params.Reason = "control"
		}
	}

	log.GetLogger().WithField("reason", params.Reason).Info("shutdown command received")
	// the response goes out before the engine starts tearing down
	go h.shutdownFunc(params.Reason)

	return Response{
		ID:     cmd.ID,
		Result: map[string]string{"status": "shutting_down"},
	}
}
