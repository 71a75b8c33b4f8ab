package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alxayo/raop-rtsp/internal/config"
	"github.com/alxayo/raop-rtsp/internal/cryptoprov"
	"github.com/alxayo/raop-rtsp/internal/logger"
	"github.com/alxayo/raop-rtsp/internal/mdns"
	"github.com/alxayo/raop-rtsp/internal/metadata"
	"github.com/alxayo/raop-rtsp/internal/metadata/sink/hub"
	"github.com/alxayo/raop-rtsp/internal/metadata/sink/mqtt"
	"github.com/alxayo/raop-rtsp/internal/metadata/sink/multicast"
	"github.com/alxayo/raop-rtsp/internal/metadata/sink/pipe"
	"github.com/alxayo/raop-rtsp/internal/player"
	"github.com/alxayo/raop-rtsp/internal/rtsp/dispatcher"
	"github.com/alxayo/raop-rtsp/internal/rtsp/server"
	"github.com/alxayo/raop-rtsp/internal/rtsp/session"
	"github.com/rs/zerolog"
)

func main() {
	overlay, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		// pflag already printed usage/error
		os.Exit(2)
	}
	if overlay.showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(overlay.configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Printf("warning: invalid log level %q, using default\n", cfg.LogLevel)
	}
	log := logger.Logger()

	crypto, err := loadCrypto(overlay.keyPath, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to load RSA key")
		os.Exit(1)
	}

	meta := metadata.NewManager(log)
	meta.RegisterSink(hub.New())
	registerConfiguredSinks(meta, cfg, log)

	rt := config.NewRuntime(cfg.AirplayVolume)
	sessions := session.NewRegistry()
	pl := player.NewLoggingPlayer(log)
	disp := dispatcher.New(cfg, rt, sessions, crypto, meta, pl, log)

	srv := server.New(cfg, disp, log)
	if err := srv.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start server")
		os.Exit(1)
	}
	log.Info().Str("addr", srv.Addr().String()).Str("version", version).Msg("raop-rtsp server started")

	adv := mdns.New(log)
	if err := adv.Start(cfg, cfg.Port); err != nil {
		log.Warn().Err(err).Msg("mdns advertisement failed to start, continuing without discovery")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := srv.Stop(); err != nil {
			log.Error().Err(err).Msg("server stop error")
		}
		adv.Stop()
		meta.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error().Msg("forced exit after shutdown timeout")
	}
}

// loadCrypto reads the RSA key named by keyPath, or generates an
// ephemeral one if none was configured. A real AirPlay deployment
// should always point -key at a stable PEM file: an ephemeral key
// invalidates any sender that cached a pairing against the previous
// key on every restart.
func loadCrypto(keyPath string, log *zerolog.Logger) (*cryptoprov.Provider, error) {
	if keyPath == "" {
		log.Warn().Msg("no -key configured, generating an ephemeral RSA key for this run")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		return cryptoprov.NewProvider(key), nil
	}

	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", keyPath, err)
	}
	return cryptoprov.NewProviderFromPEM(pemBytes)
}

// registerConfiguredSinks wires the optional metadata sinks, each gated
// on the config flag that enables it.
func registerConfiguredSinks(meta *metadata.Manager, cfg *config.Snapshot, log *zerolog.Logger) {
	if cfg.MetadataEnabled {
		if cfg.MetadataPipename != "" {
			meta.RegisterSink(pipe.New(cfg.MetadataPipename, log))
		}
		if cfg.MetadataSockAddr != "" {
			sink, err := multicast.New(cfg.MetadataSockAddr, cfg.MetadataSockPort, cfg.MetadataSockMsgLength, log)
			if err != nil {
				log.Warn().Err(err).Msg("multicast metadata sink disabled")
			} else {
				meta.RegisterSink(sink)
			}
		}
	}
	if cfg.MQTTEnabled {
		sink, err := mqtt.New(cfg.MQTTBroker, cfg.MQTTTopic, "raop-rtsp", log)
		if err != nil {
			log.Warn().Err(err).Msg("mqtt metadata sink disabled")
		} else {
			meta.RegisterSink(sink)
		}
	}
}
