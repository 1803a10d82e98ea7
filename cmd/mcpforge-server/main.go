// Command mcpforge-server is the external-collaborator CLI host named
// in spec.md §6: it owns flag parsing, daemonisation, the log-file
// sink, static-file root, and TLS certificate loading — none of which
// are part of the core request-processing engine — plus a handful of
// sample resource/tool handlers that exist only to exercise the engine
// end to end. Grounded on the teacher's cmd/server/main.go flag
// handling, trimmed to this narrower contract.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/mcpforge/mcpforge"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		transport  = flag.String("transport", "stdio", "transport to serve on: stdio, tcp, or http")
		host       = flag.String("host", "0.0.0.0", "bind host for tcp/http transports")
		port       = flag.Int("port", 8080, "bind port for tcp/http transports")
		apiKey     = flag.String("api-key", "", "bearer token required of http clients (repeatable via MCPFORGE_AUTH_TOKENS)")
		gateway    = flag.Bool("gateway", false, "enable gateway mode")
		gatewayCfg = flag.String("gateway-config", "", "path to the gateway backends JSON file")
		docRoot    = flag.String("document-root", "", "static file root served by the http transport outside /call_tool and /events")
		certFile   = flag.String("tls-cert", "", "TLS certificate file (http transport only)")
		keyFile    = flag.String("tls-key", "", "TLS key file (http transport only)")
		logFile    = flag.String("log-file", "", "write logs to this file instead of stderr")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
		daemon     = flag.Bool("daemon", false, "daemonise after start-up (unsupported on windows)")
	)
	flag.Parse()

	logger, closeLog, err := buildLogger(*logFile, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcpforge-server: ", err)
		return 1
	}
	defer closeLog()

	if *daemon {
		if runtime.GOOS == "windows" {
			logger.Error("daemon mode is not supported on windows")
			return 1
		}
		logger.Warn("daemon mode requested; mcpforge-server does not self-fork — run it under a process supervisor (systemd, runit) instead")
	}

	opts, err := mcpforge.LoadServerOptions("")
	if err != nil {
		logger.Error("load options", "error", err)
		return 1
	}
	opts.Transport = *transport
	opts.Addr = fmt.Sprintf("%s:%d", *host, *port)
	opts.GatewayEnabled = *gateway
	opts.GatewayConfigPath = *gatewayCfg
	opts.DocumentRoot = *docRoot
	if *apiKey != "" {
		opts.AuthRequired = true
		opts.AuthTokens = append(opts.AuthTokens, *apiKey)
	}

	if *certFile != "" || *keyFile != "" {
		if _, err := tls.LoadX509KeyPair(*certFile, *keyFile); err != nil {
			logger.Error("load tls certificate", "error", err)
			return 1
		}
		logger.Warn("tls termination is expected to sit in front of mcpforge-server (e.g. a reverse proxy); --tls-cert/--tls-key are validated but not yet wired into the http transport's listener")
	}

	srv, err := mcpforge.NewServer(opts, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		return 1
	}
	if len(opts.AuthTokens) > 0 {
		srv.SetAuth(mcpforge.NewTokenValidator(opts.AuthTokens))
	}

	if err := registerSampleHandlers(srv); err != nil {
		logger.Error("register sample handlers", "error", err)
		return 1
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server exited with error", "error", err)
		return 1
	}
	return 0
}

// buildLogger opens logFile (if given) and returns a slog.Logger at
// level plus a closer the caller must defer.
func buildLogger(logFile, level string) (*slog.Logger, func(), error) {
	out := os.Stderr
	closeFn := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", logFile, err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), closeFn, nil
}
