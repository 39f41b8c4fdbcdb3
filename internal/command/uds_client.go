package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"firestige.xyz/layers/internal/engine"
)

// UDSClient is a JSON-RPC client over a Unix domain socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends one command and decodes its result into out, which may be nil.
// A command that fails on the server is returned as *ErrorInfo.
func (c *UDSClient) Call(ctx context.Context, method string, params, out any) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	if err := json.NewEncoder(conn).Encode(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return fmt.Errorf("connection closed without response")
	}

	var resp rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if id := fmt.Sprintf("%v", resp.ID); id != reqID {
		return fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, id)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// Status queries the engine state.
func (c *UDSClient) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	err := c.Call(ctx, MethodStatus, nil, &res)
	return res, err
}

// Stats queries the capture loop counters.
func (c *UDSClient) Stats(ctx context.Context) (engine.Stats, error) {
	var res engine.Stats
	err := c.Call(ctx, MethodStats, nil, &res)
	return res, err
}

// Shutdown asks the engine to stop. It returns once the request is accepted,
// not when the engine has stopped.
func (c *UDSClient) Shutdown(ctx context.Context, reason string) error {
	return c.Call(ctx, MethodShutdown, ShutdownParams{Reason: reason}, nil)
}
