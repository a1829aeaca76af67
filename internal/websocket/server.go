package websocket

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server is a minimal WebSocket JSON-RPC server: one upgrade route, a
// handler registry, and a set of connected clients that can be broadcast
// to. It carries none of a general-purpose dashboard server's UI-serving
// machinery — codemem's viewer is a separate static page, not something
// this process ships.
type Server struct {
	addr       string
	httpServer *http.Server
	upgrader   websocket.Upgrader
	registry   HandlerRegistry
	clients    *ClientRegistry
	mu         sync.RWMutex
	shutdown   bool
	wg         sync.WaitGroup
	startTime  time.Time
}

// NewServer creates a WebSocket RPC server bound to addr ("host:port"),
// dispatching JSON-RPC requests to registry.
func NewServer(addr string, registry HandlerRegistry) *Server {
	s := &Server{
		addr:      addr,
		registry:  registry,
		clients:   NewClientRegistry(),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// GetRegistry returns the handler registry used by this server.
func (s *Server) GetRegistry() HandlerRegistry {
	return s.registry
}

// GetClients returns the set of connected clients, for broadcasting.
func (s *Server) GetClients() *ClientRegistry {
	return s.clients
}

// Start starts the WebSocket server and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server is shutting down")
	}
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "WebSocket server error: %v\n", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	return nil
}

// Stop stops the WebSocket server and waits for all connections to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.clients.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}

// Port returns the port number the server is listening on, or 0 if the
// address has none.
func (s *Server) Port() int {
	_, portStr, err := splitHostPort(s.addr)
	if err != nil {
		return 0
	}
	port := 0
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return 0
		}
		port = port*10 + int(c-'0')
	}
	return port
}

// splitHostPort splits an address into host and port, like
// net.SplitHostPort without pulling in the net package just for this.
func splitHostPort(addr string) (host, port string, err error) {
	lastColon := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			lastColon = i
			break
		}
	}
	if lastColon < 0 {
		return "", "", fmt.Errorf("missing port in address")
	}
	return addr[:lastColon], addr[lastColon+1:], nil
}

// handleWebSocket upgrades the HTTP connection and spins up its loops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hold the read lock across both the shutdown check and wg.Add to prevent
	// a race where Stop() calls wg.Wait() between our check and our Add.
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		fmt.Fprintf(os.Stderr, "WebSocket upgrade error: %v\n", err)
		return
	}

	go s.handleConnection(context.Background(), conn)
}

// handleConnection manages a single WebSocket connection end to end.
func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	wsConn := NewConnection(conn, s)

	s.clients.addConn(wsConn)
	defer s.clients.removeConn(wsConn)

	errCh := make(chan error, 2)

	go func() {
		errCh <- wsConn.ReadLoop(ctx)
	}()

	go func() {
		errCh <- wsConn.WriteLoop(ctx)
	}()

	<-errCh

	_ = wsConn.Close()
}

// getHandler retrieves a registered handler by method name.
func (s *Server) getHandler(method string) (Handler, bool) {
	return s.registry.GetHandler(method)
}
