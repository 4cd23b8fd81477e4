package lobbyserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/blukai/acewing/internal/matchmaking"
	"github.com/blukai/acewing/internal/relay"
	"github.com/blukai/acewing/internal/room"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendBufferSize    = 256
	DefaultMaxMessageSize    = 64 << 10
	DefaultWriteTimeout      = 5 * time.Second

	shutdownTimeout = 5 * time.Second
)

type Options struct {
	// HeartbeatInterval is how often every connection is pinged. A
	// connection that did not answer the previous ping is terminated.
	HeartbeatInterval time.Duration
	// SendBufferSize is the number of outbound frames queued per
	// connection before frames start getting dropped.
	SendBufferSize int
	MaxMessageSize int64
	WriteTimeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: DefaultHeartbeatInterval,
		SendBufferSize:    DefaultSendBufferSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		WriteTimeout:      DefaultWriteTimeout,
	}
}

type LobbyServer struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	opts     Options

	logger *log.Logger

	dispatcher *relay.Dispatcher

	mu       sync.Mutex
	clients  map[string]*client
	clientWG sync.WaitGroup
}

func NewLobbyServer(network, address string, opts Options, logger *log.Logger) (*LobbyServer, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	registry := room.NewRegistry()

	ls := &LobbyServer{
		listener: listener,
		upgrader: websocket.Upgrader{
			// NOTE: game clients are served from anywhere
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts: opts,

		logger: logger,

		dispatcher: relay.NewDispatcher(registry, matchmaking.NewMatchmaker(registry), logger),

		clients: make(map[string]*client),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", ls.handleInfo)
	mux.HandleFunc("GET /ws", ls.handleWS)
	ls.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return ls, nil
}

// Addr can be useful to retreive server's address when LobbyServer was
// constructed with ":0".
func (ls *LobbyServer) Addr() *net.TCPAddr {
	return ls.listener.Addr().(*net.TCPAddr)
}

func (ls *LobbyServer) Stats() relay.Stats {
	return ls.dispatcher.Stats()
}

func (ls *LobbyServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(struct {
		Service   string            `json:"service"`
		Status    string            `json:"status"`
		Endpoints map[string]string `json:"endpoints"`
		relay.Stats
	}{
		Service:   "Ace Wing Online WebSocket Server",
		Status:    "running",
		Endpoints: map[string]string{"websocket": "/ws"},
		Stats:     ls.dispatcher.Stats(),
	})
	if err != nil {
		ls.logger.Error().
			Msgf("could not write info response: %v", err)
	}
}

func (ls *LobbyServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected Upgrade: websocket", http.StatusUpgradeRequired)
		return
	}

	ws, err := ls.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// NOTE: upgrader has already replied with an http error
		ls.logger.Debug().
			Str("remote", r.RemoteAddr).
			Msgf("could not upgrade: %v", err)
		return
	}

	c := newClient(ws, ls.opts, ls.logger)
	ws.SetReadLimit(ls.opts.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.conn.MarkAlive()
		return nil
	})

	ls.mu.Lock()
	ls.clients[c.conn.ID()] = c
	ls.mu.Unlock()

	ls.logger.Info().
		Str("conn", c.conn.ID()).
		Str("remote", r.RemoteAddr).
		Msg("connected")

	ls.clientWG.Add(2)
	go func() {
		defer ls.clientWG.Done()
		c.runWrite()
	}()
	go func() {
		defer ls.clientWG.Done()
		ls.runRecv(c)
	}()
}

// runRecv feeds the dispatcher with frames of a single connection, one at a
// time, and runs the disconnect path once the connection is gone.
func (ls *LobbyServer) runRecv(c *client) {
	defer func() {
		c.Close()

		ls.mu.Lock()
		delete(ls.clients, c.conn.ID())
		ls.mu.Unlock()

		ls.dispatcher.HandleDisconnect(c.conn)

		ls.logger.Info().
			Str("conn", c.conn.ID()).
			Msg("disconnected")
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ls.logger.Debug().
					Str("conn", c.conn.ID()).
					Msgf("could not read: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			ls.logger.Debug().
				Str("conn", c.conn.ID()).
				Msgf("dropped non-text frame (type %d)", msgType)
			continue
		}

		ls.dispatcher.HandleMessage(c.conn, data)
	}
}

// runHeartbeat pings every connection each interval and terminates the ones
// that did not answer the previous ping.
func (ls *LobbyServer) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(ls.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range ls.snapshotClients() {
				if !c.conn.ExpectPong() {
					ls.logger.Info().
						Str("conn", c.conn.ID()).
						Msg("terminating unresponsive connection")
					c.conn.Terminate()
					continue
				}
				if err := c.ping(); err != nil {
					ls.logger.Debug().
						Str("conn", c.conn.ID()).
						Msgf("could not ping: %v", err)
				}
			}
		}
	}
}

func (ls *LobbyServer) snapshotClients() []*client {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	clients := make([]*client, 0, len(ls.clients))
	for _, c := range ls.clients {
		clients = append(clients, c)
	}
	return clients
}

func (ls *LobbyServer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := &sync.WaitGroup{}

	serveErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ls.server.Serve(ls.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ls.runHeartbeat(ctx)
	}()

	var errs error
	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		errs = multierror.Append(errs, fmt.Errorf("could not serve: %w", err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := ls.server.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not shut down http server: %w", err))
	}

	// NOTE: hijacked websocket connections are not closed by Shutdown
	for _, c := range ls.snapshotClients() {
		c.shutdown()
	}

	ls.clientWG.Wait()
	wg.Wait()
	return errs
}
