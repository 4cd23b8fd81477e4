package lobbyclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blukai/acewing/internal/netsync"
	"github.com/blukai/acewing/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

var (
	ErrTimeout  = errors.New("timeout reached")
	ErrRejected = errors.New("rejected by server")
	ErrClosed   = errors.New("connection closed")
)

const (
	DefaultSendTimeout       = time.Second
	DefaultRecvTimeout       = 5 * time.Second
	DefaultKeepAliveInterval = 5 * time.Second

	sendBufferSize  = 64
	replyBufferSize = 16
)

type sendChPayload struct {
	msg   protocol.Message
	errCh chan error
}

// LobbyClient is one player's connection to the broker. Game messages are
// folded into a netsync.World as they arrive; replies to join and matchmake
// requests are handed to the blocking callers.
type LobbyClient struct {
	ws *websocket.Conn

	logger *log.Logger

	sendCh  chan sendChPayload
	replyCh chan protocol.Message

	sendTimeout       time.Duration
	recvTimeout       time.Duration
	keepAliveInterval time.Duration

	// NOTE: world is shared by the recv loop and the game loop
	mu    sync.Mutex
	world *netsync.World

	done      chan struct{}
	closeOnce sync.Once
}

// NewLobbyClient dials the broker's websocket endpoint, url being something
// like ws://localhost:3001/ws.
func NewLobbyClient(ctx context.Context, url string, logger *log.Logger) (*LobbyClient, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	world := netsync.NewWorld()
	world.Connect()

	dialer := websocket.Dialer{
		HandshakeTimeout: DefaultRecvTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		world.Disconnect()
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}

	lc := &LobbyClient{
		ws: ws,

		logger: logger,

		sendCh:  make(chan sendChPayload, sendBufferSize),
		replyCh: make(chan protocol.Message, replyBufferSize),

		sendTimeout:       DefaultSendTimeout,
		recvTimeout:       DefaultRecvTimeout,
		keepAliveInterval: DefaultKeepAliveInterval,

		world: world,

		done: make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		return lc.extendReadDeadline()
	})

	return lc, nil
}

// WithWorld runs fn while holding the world lock. fn must not block.
func (lc *LobbyClient) WithWorld(fn func(w *netsync.World)) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	fn(lc.world)
}

// Done is closed once the connection is gone.
func (lc *LobbyClient) Done() <-chan struct{} {
	return lc.done
}

func (lc *LobbyClient) extendReadDeadline() error {
	return lc.ws.SetReadDeadline(time.Now().Add(3 * lc.keepAliveInterval))
}

func (lc *LobbyClient) close() {
	lc.closeOnce.Do(func() {
		close(lc.done)
		lc.ws.Close()

		lc.mu.Lock()
		lc.world.Disconnect()
		lc.mu.Unlock()
	})
}

func (lc *LobbyClient) runSendCh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lc.done:
			return
		case payload := <-lc.sendCh:
			lc.logger.Debug().
				Str("type", string(payload.msg.Type())).
				Msg("send")

			data, err := protocol.Encode(payload.msg)
			if err != nil {
				lc.logger.Error().
					Msgf("could not encode: %v", err)
				payload.errCh <- err
				continue
			}

			if err := lc.ws.SetWriteDeadline(time.Now().Add(lc.sendTimeout)); err != nil {
				payload.errCh <- err
				continue
			}
			if err := lc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				lc.logger.Error().
					Msgf("could not write: %v", err)
				payload.errCh <- err
				lc.close()
				continue
			}

			close(payload.errCh)
		}
	}
}

func (lc *LobbyClient) runRecvCh() {
	defer lc.close()

	if err := lc.extendReadDeadline(); err != nil {
		return
	}

	for {
		msgType, data, err := lc.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				lc.logger.Error().
					Msgf("could not read: %v", err)
			}
			return
		}
		if err := lc.extendReadDeadline(); err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			lc.logger.Error().
				Str("data", string(data)).
				Msgf("could not decode: %v", err)
			continue
		}

		lc.logger.Debug().
			Str("type", string(msg.Type())).
			Msg("recv")

		lc.mu.Lock()
		lc.world.Apply(msg)
		lc.mu.Unlock()

		switch msg.(type) {
		// hand over replies that someone might be waiting for, everything
		// else only needs to land in the world
		case *protocol.Welcome, *protocol.Matching, *protocol.Error:
			select {
			case lc.replyCh <- msg:
			default:
				lc.logger.Warn().
					Str("type", string(msg.Type())).
					Msg("dropped reply nobody is waiting for")
			}
		}
	}
}

func (lc *LobbyClient) runKeepAlive(ctx context.Context) {
	ticker := time.NewTicker(lc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lc.done:
			return
		case <-ticker.C:
			err := lc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(lc.sendTimeout))
			if err != nil {
				lc.logger.Debug().
					Msgf("could not ping: %v", err)
			}
		}
	}
}

// Run pumps messages until ctx is cancelled or the server goes away.
func (lc *LobbyClient) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		lc.runSendCh(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		lc.runRecvCh()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		lc.runKeepAlive(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = lc.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(lc.sendTimeout),
		)
		if err != nil {
			err = fmt.Errorf("could not send close message: %w", err)
		}
	case <-lc.done:
	}
	lc.close()

	wg.Wait()
	return err
}

// Close ends the session with a normal closure. Run returns shortly after.
func (lc *LobbyClient) Close() error {
	err := lc.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(lc.sendTimeout),
	)
	lc.close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("could not send close message: %w", err)
	}
	return nil
}

func (lc *LobbyClient) send(msg protocol.Message) <-chan error {
	errCh := make(chan error, 1)
	select {
	case <-lc.done:
		errCh <- ErrClosed
	case lc.sendCh <- sendChPayload{msg: msg, errCh: errCh}:
	}
	return errCh
}

// drainReplies discards replies left over from an earlier request.
func (lc *LobbyClient) drainReplies() {
	for {
		select {
		case <-lc.replyCh:
		default:
			return
		}
	}
}

func (lc *LobbyClient) recvReply(ctx context.Context) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-lc.done:
		return nil, ErrClosed
	case msg := <-lc.replyCh:
		return msg, nil
	}
}

// awaitWelcome waits for the welcome that concludes a join or matchmake
// request.
func (lc *LobbyClient) awaitWelcome(ctx context.Context) (*protocol.Welcome, error) {
	for {
		msg, err := lc.recvReply(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not recv: %w", err)
		}

		switch m := msg.(type) {
		case *protocol.Welcome:
			return m, nil
		case *protocol.Error:
			return nil, fmt.Errorf("%w: %s", ErrRejected, m.Message)
		case *protocol.Matching:
			lc.logger.Info().
				Str("mode", m.Mode).
				Str("stage", m.Stage).
				Msg("waiting for an opponent")
		}
	}
}

// Join is blocking. Empty arguments are defaulted by the server.
func (lc *LobbyClient) Join(ctx context.Context, room, mode, stage string) (*protocol.Welcome, error) {
	lc.drainReplies()

	err := <-lc.send(&protocol.Join{Room: room, Mode: mode, Stage: stage})
	if err != nil {
		return nil, fmt.Errorf("could not send: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, lc.recvTimeout)
	defer cancel()
	return lc.awaitWelcome(ctx)
}

// Matchmake is blocking until an opponent shows up or ctx is done.
func (lc *LobbyClient) Matchmake(ctx context.Context, mode, stage string) (*protocol.Welcome, error) {
	lc.drainReplies()

	err := <-lc.send(&protocol.Matchmake{Mode: mode, Stage: stage})
	if err != nil {
		return nil, fmt.Errorf("could not send: %w", err)
	}

	return lc.awaitWelcome(ctx)
}

// SendState is non-blocking, potential err is ignored. It sends the local
// player's state as currently stored in the world.
func (lc *LobbyClient) SendState() {
	lc.mu.Lock()
	state := lc.world.LocalState()
	lc.mu.Unlock()
	lc.send(state)
}

// SendAction is non-blocking, potential err is ignored.
func (lc *LobbyClient) SendAction(action *protocol.Action) {
	lc.send(action)
}

// SendHit is non-blocking, potential err is ignored. The hit is not applied
// locally, the receiving peer owns its armor.
func (lc *LobbyClient) SendHit(targetID string, amount float64) {
	lc.send(&protocol.Hit{TargetID: protocol.EntityRef(targetID), Amount: amount})
}

// SendEnemySnapshot is non-blocking, potential err is ignored. Only the host
// is listened to.
func (lc *LobbyClient) SendEnemySnapshot() {
	lc.mu.Lock()
	snapshot := lc.world.Snapshot()
	lc.mu.Unlock()
	lc.send(snapshot)
}
