package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stinb/UnderstandForVSCode-sub000/config"
	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/server"
	"github.com/stinb/UnderstandForVSCode-sub000/telemetry"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

var (
	configPath    string
	transportFlag string
	addressFlag   string
	logLevelFlag  string
	logFileFlag   string
	metricsFlag   string
)

var rootCmd = &cobra.Command{
	Use:          "understand-server",
	Short:        "Reference Understand language server",
	Long:         "understand-server answers the Understand protocol over a TCP socket or stdio, analyzing the workspace for text violations.",
	Version:      server.Version,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", config.DefaultConfigFile, "YAML configuration file")
	f.StringVar(&transportFlag, "transport", "", "socket or stdio")
	f.StringVar(&addressFlag, "address", "", "address to listen on with the socket transport")
	f.StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")
	f.StringVar(&logFileFlag, "log-file", "", `log file, "-" for stderr`)
	f.StringVar(&metricsFlag, "metrics", "", "none or prometheus")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Server.Transport = transportFlag
	}
	if flags.Changed("address") {
		cfg.Server.Address = addressFlag
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevelFlag
	}
	if flags.Changed("log-file") {
		cfg.Log.File = logFileFlag
	}
	if flags.Changed("metrics") {
		cfg.Telemetry.Metrics = metricsFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	method, err := transport.ParseMethod(cfg.Server.Transport)
	if err != nil {
		return err
	}
	// stdout carries the protocol with stdio, so never log there
	logFile, err := logging.Init(logging.Options{Path: cfg.Log.File, Level: cfg.Log.Level})
	if err != nil {
		return err
	}
	defer logFile.Close()
	logging.Logger.Info("Starting", "name", server.Name, "version", server.Version, "transport", method.String())

	tp, err := telemetry.Init(telemetry.Config{
		ServiceName:    server.Name,
		ServiceVersion: server.Version,
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
	})
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tp.Serve(gctx, cfg.Telemetry.Address)
	})
	g.Go(func() error {
		// With stdio the process lives as long as its one client.
		defer stop()
		opts := server.Options{MaxFrameSize: cfg.Server.MaxFrameSize}
		if method == transport.Socket {
			return server.ListenAndServe(gctx, cfg.Server.Address, opts)
		}
		return server.New(opts).Serve(gctx, transport.Pipe(os.Stdin, os.Stdout))
	})
	err = g.Wait()
	logging.Logger.Info("Stopped", "error", err)
	return err
}
