package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/braccio-robotics/arm-dispatch/internal/dispatcher"
	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/cli"
	"github.com/braccio-robotics/arm-dispatch/pkg/server"
	"github.com/braccio-robotics/arm-dispatch/pkg/snapshot"
)

const shutdownTimeout = 5 * time.Second

const (
	EnvHost      = "ARM_HOST"
	EnvPort      = "ARM_PORT"
	EnvJWTSecret = "ARM_JWT_SECRET"
	EnvVerbose   = "ARM_VERBOSE"
	EnvLogLevel  = "ARM_LOG_LEVEL"
)

const unauthenticatedWarning = `
No JWT secret is configured. Any client that can reach this server can move the arm. Set
$ARM_JWT_SECRET (or -jwt-secret) before listening on a shared network.`

type DispatchConfig struct {
	verbose   bool
	logLevel  string
	host      string
	port      int
	jwtSecret string
	envFile   string
	history   int
}

var (
	dispatchConfig = &DispatchConfig{}
)

func init() {
	flag.BoolVar(&dispatchConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&dispatchConfig.logLevel, "log-level", "", "Log `level` (error|warning|info|debug). Defaults to $ARM_LOG_LEVEL.")
	flag.StringVar(&dispatchConfig.host, "host", server.DefaultHost, "Server `hostname`")
	flag.IntVar(&dispatchConfig.port, "port", server.DefaultPort, "`Port` to listen on")
	flag.StringVar(&dispatchConfig.jwtSecret, "jwt-secret", "", "HS256 `secret` required for POST requests. Defaults to $ARM_JWT_SECRET.")
	flag.StringVar(&dispatchConfig.envFile, "env-file", ".env", "Load environment variables from `file` if it exists")
	flag.IntVar(&dispatchConfig.history, "history", snapshot.DefaultMaxEntries, "Number of detection snapshots to keep")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that forwards detection results to the robotic arm over Bluetooth LE.\n")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

func main() {
	config := cli.NewConfig(cli.FlagAll)

	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err = config.LoadDotEnv(dispatchConfig.envFile); err != nil {
		return
	}
	if err = readFromEnvironment(); err != nil {
		return
	}
	if err = config.ReadFromEnvironment(); err != nil {
		return
	}

	if dispatchConfig.logLevel != "" {
		var level log.Level
		if level, err = log.ParseLevel(dispatchConfig.logLevel); err != nil {
			return
		}
		log.SetLevel(level)
	}
	if dispatchConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}

	var options []server.Option
	if dispatchConfig.jwtSecret != "" {
		options = append(options, server.WithJWTSecret([]byte(dispatchConfig.jwtSecret)))
	} else {
		fmt.Fprintln(os.Stderr, unauthenticatedWarning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Connecting to arm %s on hci%d...", config.Address, config.HCIDevice)
	session, err := config.Connect(ctx)
	if err != nil {
		return
	}
	defer config.Disconnect()

	d := dispatcher.New(session, dispatcher.WithClassTable(config.Classes.Table))
	if err = d.Start(ctx); err != nil {
		return
	}
	defer d.Stop()

	store := snapshot.New(dispatchConfig.history)
	srv := server.New(d, store, options...)
	defer srv.Close()

	addr := fmt.Sprintf("%s:%d", dispatchConfig.host, dispatchConfig.port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Listening on %s", addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return
	case <-ctx.Done():
		log.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warning("Server shutdown: %s", shutdownErr)
	}
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() error {
	if dispatchConfig.host == server.DefaultHost {
		if host, ok := os.LookupEnv(EnvHost); ok && host != "" {
			dispatchConfig.host = host
		}
	}

	if dispatchConfig.jwtSecret == "" {
		dispatchConfig.jwtSecret = os.Getenv(EnvJWTSecret)
	}

	if dispatchConfig.logLevel == "" {
		dispatchConfig.logLevel = os.Getenv(EnvLogLevel)
	}

	if !dispatchConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			dispatchConfig.verbose = verbose != "false" && verbose != "0" && verbose != ""
		}
	}

	var err error
	if dispatchConfig.port == server.DefaultPort {
		if port, ok := os.LookupEnv(EnvPort); ok && port != "" {
			dispatchConfig.port, err = strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
		}
	}

	return nil
}
