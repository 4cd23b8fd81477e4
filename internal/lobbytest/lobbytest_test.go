package lobbytest_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blukai/acewing/internal/lobbyclient"
	"github.com/blukai/acewing/internal/lobbyserver"
	"github.com/blukai/acewing/internal/netsync"
	"github.com/blukai/acewing/internal/protocol"
	"github.com/matryer/is"
	"github.com/phuslu/log"
)

func newLogger() *log.Logger {
	logger := log.DefaultLogger
	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = log.InfoLevel
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}
	return &logger
}

func startServer(ctx context.Context, t *testing.T, logger *log.Logger) (*lobbyserver.LobbyServer, string) {
	t.Helper()
	is := is.New(t)

	ls, err := lobbyserver.NewLobbyServer("tcp4", "127.0.0.1:0", lobbyserver.DefaultOptions(), logger)
	is.NoErr(err)
	go ls.Run(ctx)

	return ls, fmt.Sprintf("ws://%s/ws", ls.Addr())
}

func connect(ctx context.Context, t *testing.T, url string, logger *log.Logger) *lobbyclient.LobbyClient {
	t.Helper()
	is := is.New(t)

	lc, err := lobbyclient.NewLobbyClient(ctx, url, logger)
	is.NoErr(err)
	go lc.Run(ctx)
	return lc
}

// eventually polls cond; client send/recv is "async".
func eventually(t *testing.T, lc *lobbyclient.LobbyClient, cond func(w *netsync.World) bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ok := false
		lc.WithWorld(func(w *netsync.World) {
			ok = cond(w)
		})
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTwoPlayers(t *testing.T) {
	is := is.New(t)
	logger := newLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, url := startServer(ctx, t, logger)
	playerOne := connect(ctx, t, url, logger)
	playerTwo := connect(ctx, t, url, logger)

	// join player one

	t.Log("join one")
	welcomeOne, err := playerOne.Join(ctx, "test", "", "")
	is.NoErr(err)
	is.True(welcomeOne.IsHost)
	is.Equal(welcomeOne.Room, "TEST")
	is.Equal(welcomeOne.Mode, protocol.ModeVersus)
	is.Equal(welcomeOne.Stage, protocol.DefaultStage)
	is.Equal(welcomeOne.Count, 1)

	// join player two

	t.Log("join two")
	welcomeTwo, err := playerTwo.Join(ctx, "TEST", protocol.ModeVersus, "")
	is.NoErr(err)
	is.True(!welcomeTwo.IsHost)
	is.Equal(welcomeTwo.Count, 2)

	eventually(t, playerOne, func(w *netsync.World) bool {
		return w.Phase() == netsync.PhaseInMatch
	})
	playerTwo.WithWorld(func(w *netsync.World) {
		is.Equal(w.Phase(), netsync.PhaseInMatch)
	})

	// transform player one

	t.Log("state player one")
	pos := protocol.Vec3{X: 24, Y: 13, Z: -7}
	playerOne.WithWorld(func(w *netsync.World) {
		local := w.Local()
		local.Position = pos
		local.Rotation = protocol.IdentityQuat
		w.SetLocal(local)
	})
	playerOne.SendState()

	eventually(t, playerTwo, func(w *netsync.World) bool {
		r, ok := w.Remote(welcomeOne.PlayerID)
		return ok && r.Visible()
	})
	playerTwo.WithWorld(func(w *netsync.World) {
		r, _ := w.Remote(welcomeOne.PlayerID)
		is.Equal(r.TargetPosition, pos)
		is.Equal(r.Armor, float64(netsync.DefaultArmor))
	})

	// player two hits player one

	t.Log("hit player one")
	playerTwo.SendHit(welcomeOne.PlayerID, 10)

	eventually(t, playerOne, func(w *netsync.World) bool {
		return w.Local().Armor == netsync.DefaultArmor-10
	})
	playerTwo.WithWorld(func(w *netsync.World) {
		is.Equal(w.Local().Armor, float64(netsync.DefaultArmor))
	})
}

func TestJoinRejected(t *testing.T) {
	is := is.New(t)
	logger := newLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, url := startServer(ctx, t, logger)
	players := []*lobbyclient.LobbyClient{
		connect(ctx, t, url, logger),
		connect(ctx, t, url, logger),
		connect(ctx, t, url, logger),
	}

	_, err := players[0].Join(ctx, "FULL", protocol.ModeCoop, "")
	is.NoErr(err)

	_, err = players[1].Join(ctx, "FULL", protocol.ModeVersus, "")
	is.True(errors.Is(err, lobbyclient.ErrRejected)) // mode mismatch

	_, err = players[1].Join(ctx, "FULL", protocol.ModeCoop, "")
	is.NoErr(err)

	_, err = players[2].Join(ctx, "FULL", protocol.ModeCoop, "")
	is.True(errors.Is(err, lobbyclient.ErrRejected)) // room full
}

func TestMatchmakeCoop(t *testing.T) {
	is := is.New(t)
	logger := newLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ls, url := startServer(ctx, t, logger)

	playerOne := connect(ctx, t, url, logger)
	playerTwo := connect(ctx, t, url, logger)

	type result struct {
		welcome *protocol.Welcome
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		welcome, err := playerOne.Matchmake(ctx, protocol.ModeCoop, "DESERT")
		resultCh <- result{welcome, err}
	}()

	// NOTE: player one has to be queued first, so that it ends up hosting
	deadline := time.Now().Add(2 * time.Second)
	for ls.Stats().Queued != 1 {
		if time.Now().After(deadline) {
			t.Fatal("player one did not get queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	welcomeTwo, err := playerTwo.Matchmake(ctx, protocol.ModeCoop, "")
	is.NoErr(err)
	is.True(!welcomeTwo.IsHost)
	is.Equal(welcomeTwo.Mode, protocol.ModeCoop)
	is.Equal(welcomeTwo.Stage, "DESERT")
	is.Equal(welcomeTwo.Count, 2)

	res := <-resultCh
	is.NoErr(res.err)
	is.True(res.welcome.IsHost)
	is.Equal(res.welcome.Room, welcomeTwo.Room)

	// host owns the enemies

	playerOne.WithWorld(func(w *netsync.World) {
		is.True(w.SimulatesEnemies())
		is.True(w.TakeSpawnRequest())
		w.SetEnemies([]protocol.Enemy{{ID: 1, X: 10, HP: 50}, {ID: 2, X: 20, HP: 50}}, 3)
	})
	playerOne.SendEnemySnapshot()

	eventually(t, playerTwo, func(w *netsync.World) bool {
		return len(w.Enemies()) == 2
	})
	playerTwo.WithWorld(func(w *netsync.World) {
		is.Equal(w.TeamScore(), 3)
	})

	// host leaves, guest takes over the enemies it already knows

	is.NoErr(playerOne.Close())
	<-playerOne.Done()

	eventually(t, playerTwo, func(w *netsync.World) bool {
		return w.IsHost()
	})
	playerTwo.WithWorld(func(w *netsync.World) {
		is.True(w.SimulatesEnemies())
		is.True(!w.TakeSpawnRequest())
		is.Equal(len(w.Enemies()), 2)
	})
}
