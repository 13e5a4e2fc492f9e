package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stinb/UnderstandForVSCode-sub000/config"
	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/session"
	"github.com/stinb/UnderstandForVSCode-sub000/status"
	"github.com/stinb/UnderstandForVSCode-sub000/telemetry"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

var (
	configPath    string
	workspaceFlag string
	transportFlag string
	addressFlag   string
	logLevelFlag  string
	logFileFlag   string
	watchFlag     bool
	analyzeFlag   bool
	timeoutFlag   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect, wait for the database state to settle and print it",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&analyzeFlag, "analyze", false, "run a full analysis before reporting")
	statusCmd.Flags().DurationVar(&timeoutFlag, "timeout", time.Minute, "how long to wait for the database")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigFile
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("workspace") {
		cfg.Client.Workspace = workspaceFlag
	}
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
	if flags.Changed("watch") {
		cfg.Watch.Enabled = watchFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return cfg, nil
}

// client is what both commands share: config, logging, telemetry and a
// controller that is not started yet.
type client struct {
	cfg   *config.Config
	root  string
	ctrl  *session.Controller
	tp    *telemetry.Provider
	close func()
}

func newClient(ctx context.Context, cmd *cobra.Command) (*client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(cfg.Client.Workspace)
	if err != nil {
		return nil, err
	}
	dial, err := dialer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logFile, err := logging.Init(logging.Options{Path: cfg.Log.File, Level: cfg.Log.Level})
	if err != nil {
		return nil, err
	}
	tp, err := telemetry.Init(telemetry.Config{
		ServiceName:    cfg.Client.Name,
		ServiceVersion: cfg.Client.Version,
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
	})
	if err != nil {
		logFile.Close()
		return nil, err
	}

	ctrl := session.New(session.Options{
		Dial:             dial,
		ClientInfo:       transport.ClientInfo{Name: cfg.Client.Name, Version: cfg.Client.Version},
		RootURI:          transport.DocumentURI(util.Path2URI(root)),
		WorkspaceFolders: []transport.WorkspaceFolder{{URI: transport.DocumentURI(util.Path2URI(root)), Name: filepath.Base(root)}},
		MaxFrameSize:     cfg.Server.MaxFrameSize,
		RequestTimeout:   cfg.Server.RequestTimeout,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		FileEventWindow:  cfg.Watch.Window,
		SelectionWindow:  cfg.Selection.Window,
	})
	return &client{
		cfg:  cfg,
		root: root,
		ctrl: ctrl,
		tp:   tp,
		close: func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := ctrl.Close(sctx); err != nil {
				logging.Logger.Warn("Closing session", "error", err)
			}
			tp.Shutdown(sctx)
			logFile.Close()
		},
	}, nil
}

// dialer connects to a running server, or spawns the configured command and
// talks to it over stdio. Spawned servers live until ctx ends.
func dialer(ctx context.Context, cfg *config.Config) (session.Dialer, error) {
	method, err := transport.ParseMethod(cfg.Server.Transport)
	if err != nil {
		return nil, err
	}
	if method == transport.Socket {
		addr := cfg.Server.Address
		return func(dctx context.Context) (io.ReadWriteCloser, error) {
			var d net.Dialer
			return d.DialContext(dctx, "tcp", addr)
		}, nil
	}
	command := cfg.Server.Command
	if len(command) == 0 {
		return nil, fmt.Errorf("transport %s needs server.command to spawn the server", cfg.Server.Transport)
	}
	return func(context.Context) (io.ReadWriteCloser, error) {
		return transport.Command(ctx, command[0], command[1:]...)
	}, nil
}

// runClient keeps a session open, printing every status change and
// diagnostic, until interrupted.
func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	out := cmd.OutOrStdout()
	c.ctrl.Reconciler().OnChange(func(s status.Status) {
		fmt.Fprintln(out, status.Render(s))
	})
	c.ctrl.Reconciler().OnResolved(func(path string) {
		logging.Logger.Info("Database resolved", "path", path)
	})
	c.ctrl.OnNotification(transport.MethodPublishDiagnostics, func(ctx context.Context, raw json.RawMessage) error {
		var p transport.PublishDiagnosticsParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		for _, d := range p.Diagnostics {
			fmt.Fprintf(out, "%s:%d:%d: %s %s\n", p.URI, d.Range.Start.Line+1, d.Range.Start.Character+1, d.Code, d.Message)
		}
		return nil
	})

	if err := c.ctrl.Start(ctx); err != nil {
		return err
	}
	if c.cfg.Watch.Enabled {
		if err := c.ctrl.WatchFiles(ctx, c.root, c.cfg.Watch.Ignore); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.tp.Serve(gctx, c.cfg.Telemetry.Address)
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// runStatus prints the database state once the server stops working on it
// and fails when the state is a problem.
func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()

	c, err := newClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.close()

	changes := make(chan status.Status, 64)
	c.ctrl.Reconciler().OnChange(func(s status.Status) {
		select {
		case changes <- s:
		default:
		}
	})
	if err := c.ctrl.Start(ctx); err != nil {
		return err
	}

	s, err := waitFor(ctx, changes, c.ctrl.Status(), settled)
	if err != nil {
		return err
	}
	if analyzeFlag && !s.Database.State.Problem() {
		drain(changes)
		if err := c.ctrl.SendRequest(ctx, transport.MethodExecuteCommand, transport.ExecuteCommandParams{Command: transport.CommandAnalyzeAll}, nil); err != nil {
			return fmt.Errorf("analyze: %w", err)
		}
		busy := func(s status.Status) bool { return !settled(s) }
		if _, err := waitFor(ctx, changes, c.ctrl.Status(), busy); err != nil {
			return err
		}
		if s, err = waitFor(ctx, changes, c.ctrl.Status(), settled); err != nil {
			return err
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), status.Render(s))
	if s.Database.State.Problem() {
		return fmt.Errorf("database %s: %s", s.Database.Path, s.Database.State.Label())
	}
	return nil
}

// settled reports whether the server is done finding and analyzing.
func settled(s status.Status) bool {
	if s.State != status.Ready {
		return false
	}
	switch s.Database.State {
	case status.DatabaseUnknown, status.DatabaseFinding, status.DatabaseResolving:
		return false
	}
	return true
}

func drain(changes <-chan status.Status) {
	for {
		select {
		case <-changes:
		default:
			return
		}
	}
}

func waitFor(ctx context.Context, changes <-chan status.Status, current status.Status, pred func(status.Status) bool) (status.Status, error) {
	if pred(current) {
		return current, nil
	}
	for {
		select {
		case s := <-changes:
			if pred(s) {
				return s, nil
			}
		case <-ctx.Done():
			return status.Status{}, fmt.Errorf("waiting for the database: %w", ctx.Err())
		}
	}
}
