// Package statusfeed serves live sync status to local UI clients.
//
// Connected WebSocket clients receive a sync_state message on connect and on
// every SyncState change, plus an entry_rejected message whenever the remote
// refuses an outbox entry. The same listener serves /health and the
// Prometheus /metrics endpoint.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mschirtzinger/tasksync/internal/syncstate"
)

// MessageType defines the type of feed message
type MessageType string

const (
	// MessageTypeSyncState carries the full current SyncState
	MessageTypeSyncState MessageType = "sync_state"

	// MessageTypeEntryRejected reports an outbox entry the remote refused
	MessageTypeEntryRejected MessageType = "entry_rejected"
)

// Message represents a feed broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RejectionData describes a refused outbox entry
type RejectionData struct {
	EntryID    string `json:"entry_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Operation  string `json:"operation"`
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts"`
}

// Server manages WebSocket clients and broadcasts feed messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	state    syncstate.Reader

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7420, use port 0 for a random port)
	Addr string

	// State is the sync state to publish (required)
	State syncstate.Reader

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:7420",
		Logger: log.New(os.Stderr, "[statusfeed] ", log.LstdFlags),
	}
}

// NewServer creates a status feed server
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.State == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[statusfeed] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		state:     config.State,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}, nil
}

// Handler returns the feed's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins serving and forwarding state changes
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.watchState()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Status feed listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Status feed stopped")
	return nil
}

// Broadcast queues a message for every connected client. Messages are
// dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// Addr returns the listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// watchState forwards every SyncState change as a sync_state message.
func (s *Server) watchState() {
	defer s.wg.Done()

	updates, cancel := s.state.Subscribe()
	defer cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			msg, err := stateMessage(st)
			if err != nil {
				s.logger.Printf("Failed to marshal state: %v", err)
				continue
			}
			s.Broadcast(msg)
		}
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The welcome message is written before the client is registered so it
	// always arrives first.
	welcome, err := stateMessage(s.state.Current())
	if err == nil {
		var data []byte
		data, err = json.Marshal(welcome)
		if err == nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			err = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}
	if err != nil {
		s.logger.Printf("Failed to send welcome: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", clientCount)

	s.readLoop(conn)
}

// readLoop blocks until the client goes away. Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.state.Current()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"clients":    s.ClientCount(),
		"is_syncing": st.IsSyncing,
		"pending":    st.PendingCount,
		"last_error": st.LastError,
	})
}

func stateMessage(st syncstate.State) (Message, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeSyncState, Timestamp: time.Now(), Data: data}, nil
}
