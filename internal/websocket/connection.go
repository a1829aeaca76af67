package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps one upgraded WebSocket with JSON-RPC request handling.
// codemem's one caller (the dashboard) only ever issues single requests and
// broadcasts notifications, so there is no batch-request path and no
// session registration — every connection is just a passive viewer tracked
// for BroadcastAll.
type Connection struct {
	conn   *websocket.Conn
	server *Server
	sendCh chan []byte
	mu     sync.Mutex
	closed bool
}

// NewConnection creates a new WebSocket connection wrapper.
func NewConnection(conn *websocket.Conn, server *Server) *Connection {
	return &Connection{
		conn:   conn,
		server: server,
		sendCh: make(chan []byte, 256),
	}
}

// ReadLoop reads and dispatches JSON-RPC requests until the connection
// closes or ctx is cancelled.
func (c *Connection) ReadLoop(ctx context.Context) error {
	defer func() {
		_ = c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return fmt.Errorf("read error: %w", err)
			}
			return nil
		}

		if err := c.handleRequest(ctx, message); err != nil {
			fmt.Printf("Error handling request: %v\n", err)
		}
	}
}

// WriteLoop drains queued outgoing messages and sends keepalive pings.
func (c *Connection) WriteLoop(ctx context.Context) error {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case message := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}

// Send queues a message to be written to the client.
func (c *Connection) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection closed")
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close closes the underlying WebSocket connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.sendCh)

	return c.conn.Close()
}

// handleRequest parses and dispatches a single JSON-RPC request.
func (c *Connection) handleRequest(ctx context.Context, data []byte) error {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return c.sendResponse(jsonRPCResponse{
			JSONRPC: "2.0",
			Error: &jsonRPCError{
				Code:    -32700, // Parse error
				Message: "Parse error",
				Data:    err.Error(),
			},
		})
	}

	return c.sendResponse(c.processRequest(ctx, req))
}

// processRequest validates and dispatches a single request to the
// registered handler, returning the response to send (success or error).
func (c *Connection) processRequest(ctx context.Context, req jsonRPCRequest) jsonRPCResponse {
	if req.JSONRPC != "2.0" {
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &jsonRPCError{
				Code:    -32600, // Invalid request
				Message: "Invalid request",
				Data:    "jsonrpc field must be '2.0'",
			},
		}
	}

	handler, ok := c.server.getHandler(req.Method)
	if !ok {
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &jsonRPCError{
				Code:    -32601, // Method not found
				Message: "Method not found",
				Data:    fmt.Sprintf("method '%s' is not registered", req.Method),
			},
		}
	}

	// Default nil params to an empty object so handlers can always unmarshal
	// — clients that omit "params" (e.g. JSON.stringify dropping undefined)
	// leave req.Params nil after parsing.
	params := req.Params
	if params == nil {
		params = json.RawMessage("{}")
	}

	result, err := handler(ctx, params)
	if err != nil {
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &jsonRPCError{
				Code:    -32000, // Server error
				Message: err.Error(),
			},
		}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &jsonRPCError{
				Code:    -32603, // Internal error
				Message: "Internal error",
				Data:    err.Error(),
			},
		}
	}

	return jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  resultJSON,
	}
}

func (c *Connection) sendResponse(resp jsonRPCResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return c.Send(data)
}

// jsonRPCRequest is a JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// jsonRPCResponse is a JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *jsonRPCError    `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// jsonRPCError is a JSON-RPC 2.0 error object.
type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
