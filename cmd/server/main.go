package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/acewing/internal/lobbyserver"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	ListenAddr        string        `envconfig:"LISTEN_ADDR" required:"true" default:"0.0.0.0:3001"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	SendBufferSize    int           `envconfig:"SEND_BUFFER_SIZE" default:"256"`
	MaxMessageSize    int64         `envconfig:"MAX_MESSAGE_SIZE" default:"65536"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	if config.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL must be positive (got %s)", config.HeartbeatInterval)
	}
	if config.SendBufferSize <= 0 {
		return nil, fmt.Errorf("SEND_BUFFER_SIZE must be positive (got %d)", config.SendBufferSize)
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

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	lobbyServer, err := lobbyserver.NewLobbyServer("tcp", config.ListenAddr, lobbyserver.Options{
		HeartbeatInterval: config.HeartbeatInterval,
		SendBufferSize:    config.SendBufferSize,
		MaxMessageSize:    config.MaxMessageSize,
		WriteTimeout:      config.WriteTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("could not construct lobby server: %w", err)
	}
	logger.Info().Msgf("websocket server listening on ws://%s/ws", lobbyServer.Addr())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg.Add(1)
	var lobbyServerRunErr error
	go func() {
		defer wg.Done()
		defer cancel()
		lobbyServerRunErr = lobbyServer.Run(ctx)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %+v signal", sig)
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()
	if lobbyServerRunErr != nil {
		return fmt.Errorf("lobby server run failed: %w", lobbyServerRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
