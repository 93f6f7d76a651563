// Command ensemble-evaluator runs the Ensemble Evaluator service: it loads
// configuration, opens the output-transmitter spool, wires the batching
// dispatcher and transport server, and serves monitors over WebSocket until
// signalled to stop. It does not construct a queue engine or an evaluator
// itself.
//
// Startup order matters: load config -> apply CLI overrides -> init
// logger -> print banner -> start serving. Each step depends on the one
// before it (the logger needs the config's logging section; the banner
// needs both the config and the logger).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/common"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/config"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/eventbus"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/logging"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/server"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/spool"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/transport"
)

// configPaths collects repeated -config flags into an ordered slice, the
// same repeatable-flag idiom the teacher's CLI uses.
type configPaths []string

func (c *configPaths) String() string { return strings.Join(*c, ",") }
func (c *configPaths) Set(v string) error {
	*c = append(*c, v)
	return nil
}

func main() {
	defer common.RecoverWithCrashFile()
	common.InstallCrashHandler("./logs")

	var paths configPaths
	flag.Var(&paths, "config", "path to a TOML config file (repeatable)")
	flag.Var(&paths, "c", "shorthand for -config")
	host := flag.String("host", "", "override server.host")
	port := flag.Int("port", 0, "override server.port")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.BoolVar(showVersion, "v", false, "shorthand for -version")
	flag.Parse()

	if *showVersion {
		fmt.Println(common.GetFullVersion())
		return
	}

	cfg := config.NewDefaultConfig()

	if len(paths) == 0 {
		for _, candidate := range []string{"ensemble-evaluator.toml", "deployments/local/ensemble-evaluator.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				paths = append(paths, candidate)
			}
		}
	}
	for _, p := range paths {
		if err := config.LoadFromFile(cfg, p); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	config.ApplyEnvOverrides(cfg)

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(&cfg.Logging)
	defer logging.Stop()

	common.PrintBanner(cfg, logger)

	sp, err := spool.Open(cfg.Spool.Dir, cfg.Spool.ResetOnStartup, logger)
	if err != nil {
		logger.Error().Err(err).Msg("main: failed to open output transmitter spool")
		os.Exit(1)
	}
	defer sp.Close()

	tlsConf, err := loadTLSConfig(cfg.Transport.CertFile, cfg.Transport.KeyFile)
	if err != nil {
		logger.Error().Err(err).Msg("main: failed to load transport TLS certificate")
		os.Exit(1)
	}

	dispatcher := eventbus.NewDispatcher(eventbus.ThrottleConfig{}, logger)
	transportServer := transport.NewServer(cfg.Transport.Token, tlsConf, logger)
	httpServer := server.New(cfg, logger, transportServer)

	shutdownChan := make(chan struct{}, 1)
	httpServer.SetShutdownChannel(shutdownChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)
	defer dispatcher.Stop()

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("main: HTTP server stopped with error")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		logger.Info().Msg("main: received shutdown signal")
	case <-shutdownChan:
		logger.Info().Msg("main: received shutdown request")
	}

	common.PrintShutdownBanner(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("main: graceful shutdown failed")
	}
}

// loadTLSConfig builds a server TLS config from a cert/key PEM pair. Both
// paths empty means plaintext, the local-development default.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("main: load TLS keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
