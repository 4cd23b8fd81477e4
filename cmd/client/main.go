// Command client is a headless player. It joins a room (or matchmakes when
// no room is given), flies in circles while reporting its state, fires at
// whoever shows up and logs what it sees of the session.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blukai/acewing/internal/lobbyclient"
	"github.com/blukai/acewing/internal/netsync"
	"github.com/blukai/acewing/internal/protocol"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
	"github.com/samber/lo"
)

type Config struct {
	ServerURL     string        `envconfig:"SERVER_URL" required:"true" default:"ws://127.0.0.1:3001/ws"`
	Room          string        `envconfig:"ROOM"`
	Mode          string        `envconfig:"MODE" default:"ONLINE_VS"`
	Stage         string        `envconfig:"STAGE" default:"OCEAN"`
	StateInterval time.Duration `envconfig:"STATE_INTERVAL" default:"50ms"`
	FireInterval  time.Duration `envconfig:"FIRE_INTERVAL" default:"2s"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	if config.StateInterval <= 0 || config.FireInterval <= 0 {
		return nil, errors.New("STATE_INTERVAL and FIRE_INTERVAL must be positive")
	}
	return config, nil
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Level = log.ParseLevel(level)
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

const (
	orbitRadius = 400
	orbitSpeed  = 0.25 // rad/s
	cruiseSpeed = orbitRadius * orbitSpeed
	altitude    = 150
	hitAmount   = 10
)

// fly moves the local player along a circle around the origin.
func fly(w *netsync.World, elapsed time.Duration) {
	angle := elapsed.Seconds() * orbitSpeed
	local := w.Local()
	local.Position = protocol.Vec3{
		X: orbitRadius * math.Cos(angle),
		Y: altitude,
		Z: orbitRadius * math.Sin(angle),
	}
	// heading is tangent to the circle, which is a rotation about y
	yaw := -angle
	local.Rotation = protocol.Quat{Y: math.Sin(yaw / 2), W: math.Cos(yaw / 2)}
	local.Speed = cruiseSpeed
	w.SetLocal(local)
}

func fire(lc *lobbyclient.LobbyClient, logger *log.Logger) {
	var (
		local  netsync.LocalPlayer
		target *netsync.RemotePlayer
	)
	lc.WithWorld(func(w *netsync.World) {
		local = w.Local()
		target, _ = lo.Find(w.Remotes(), func(r *netsync.RemotePlayer) bool {
			return r.Visible() && !r.GameOver
		})
	})
	if target == nil {
		return
	}

	lc.SendAction(&protocol.Action{
		Action:     protocol.ActionFireMissile,
		Position:   local.Position,
		Quaternion: local.Rotation,
		TargetType: protocol.TargetPlayer,
		TargetID:   protocol.EntityRef(target.ID),
	})
	// NOTE: the bot never misses
	lc.SendHit(target.ID, hitAmount)

	logger.Info().
		Str("target", target.ID).
		Msg("fired missile")
}

func report(lc *lobbyclient.LobbyClient, logger *log.Logger) {
	lc.WithWorld(func(w *netsync.World) {
		for _, p := range w.TakeSpawned() {
			logger.Info().
				Str("owner", p.OwnerID).
				Int("kind", int(p.Kind)).
				Bool("locked", p.Target != nil).
				Msg("incoming projectile")
		}
		if w.TakeSpawnRequest() {
			logger.Info().Msg("enemy authority acquired")
		}

		logger.Debug().
			Str("phase", w.Phase().String()).
			Bool("host", w.IsHost()).
			Float64("armor", w.Local().Armor).
			Int("remotes", len(w.Remotes())).
			Int("enemies", len(w.Enemies())).
			Int("kills", w.Kills()).
			Msg("world")
	})
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	lc, err := lobbyclient.NewLobbyClient(ctx, config.ServerURL, logger)
	if err != nil {
		return fmt.Errorf("could not construct lobby client: %w", err)
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- lc.Run(ctx)
	}()

	var welcome *protocol.Welcome
	if config.Room != "" {
		welcome, err = lc.Join(ctx, config.Room, config.Mode, config.Stage)
	} else {
		welcome, err = lc.Matchmake(ctx, config.Mode, config.Stage)
	}
	if err != nil {
		cancel()
		<-runErrCh
		return fmt.Errorf("could not enter a room: %w", err)
	}
	logger.Info().
		Str("player", welcome.PlayerID).
		Str("room", welcome.Room).
		Str("mode", welcome.Mode).
		Str("stage", welcome.Stage).
		Bool("host", welcome.IsHost).
		Int("count", welcome.Count).
		Msg("welcome")

	start := time.Now()
	stateTicker := time.NewTicker(config.StateInterval)
	defer stateTicker.Stop()
	fireTicker := time.NewTicker(config.FireInterval)
	defer fireTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return <-runErrCh
		case <-lc.Done():
			logger.Info().Msg("server went away")
			return nil
		case <-stateTicker.C:
			ended := false
			lc.WithWorld(func(w *netsync.World) {
				fly(w, time.Since(start))
				w.Tick()
				ended = w.Phase() == netsync.PhaseEnded
			})
			if ended {
				logger.Info().Msg("match ended")
				if err := lc.Close(); err != nil {
					return err
				}
				return <-runErrCh
			}
			lc.SendState()
		case <-fireTicker.C:
			fire(lc, logger)
			report(lc, logger)
		}
	}
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
