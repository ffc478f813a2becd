package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/dshills/softdebug/internal/config"
	"github.com/dshills/softdebug/internal/debug"
	"github.com/dshills/softdebug/internal/debug/sdb"
	"github.com/dshills/softdebug/internal/logging"
)

// CLI is the command line.
type CLI struct {
	Config  string        `short:"c" type:"path" help:"Configuration file (TOML or YAML)."`
	Address string        `short:"a" help:"Debuggee host:port. Overrides the configuration."`
	Timeout time.Duration `help:"Per-request timeout. Overrides the configuration."`
	Verbose bool          `short:"v" help:"Log at debug level."`

	Version VersionCmd `cmd:"" help:"Print the debuggee's VM and protocol version."`
	Threads ThreadsCmd `cmd:"" help:"List the debuggee's threads."`
	Frames  FramesCmd  `cmd:"" help:"Print call stacks."`
	Watch   WatchCmd   `cmd:"" help:"Print debuggee events until interrupted."`
}

// dialFunc opens a session. Tests replace it to use an in-memory debuggee.
type dialFunc func(ctx context.Context, address string, cfg debug.SessionConfig) (*debug.Session, error)

// Globals carries state shared by every command.
type Globals struct {
	Config     *config.Config
	ConfigPath string
	Log        *logging.Logger
	Out        io.Writer

	dial dialFunc
}

func newGlobals(cli *CLI, out io.Writer) (*Globals, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.Address != "" {
		cfg.Debuggee.Address = cli.Address
	}
	if cli.Timeout > 0 {
		cfg.Session.RequestTimeout = config.Duration(cli.Timeout)
	}
	if cli.Verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, err
	}

	return &Globals{
		Config:     cfg,
		ConfigPath: cli.Config,
		Log:        log,
		Out:        out,
		dial:       debug.Dial,
	}, nil
}

// Close flushes the logger.
func (g *Globals) Close() {
	_ = g.Log.Sync()
}

// SessionConfig converts the loaded configuration.
func (g *Globals) SessionConfig() debug.SessionConfig {
	return debug.SessionConfig{
		RequestTimeout:     g.Config.Session.RequestTimeout.Std(),
		FrameCache:         g.Config.Session.FrameCache,
		ProtocolConstraint: g.Config.Session.ProtocolConstraint,
		ResolveParallelism: g.Config.Session.ResolveParallelism,
		Logger:             g.Log.Logger,
	}
}

// connect opens a session, bounding the handshake by the configured timeout.
func (g *Globals) connect(ctx context.Context) (*debug.Session, error) {
	hctx, cancel := context.WithTimeout(ctx, g.Config.Debuggee.HandshakeTimeout.Std())
	defer cancel()

	s, err := g.dial(hctx, g.Config.Debuggee.Address, g.SessionConfig())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", g.Config.Debuggee.Address, err)
	}
	return s, nil
}

func (g *Globals) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(g.Out)
	t.Header(lo.ToAnySlice(header)...)
	return t
}

// VersionCmd prints version information.
type VersionCmd struct{}

// Run executes the command.
func (c *VersionCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	v := s.Version()
	fmt.Fprintf(g.Out, "softdebug %s (%s)\n", version, commit)
	fmt.Fprintf(g.Out, "vm:       %s\n", v.VM)
	fmt.Fprintf(g.Out, "protocol: %d.%d\n", v.Major, v.Minor)
	return nil
}

// ThreadsCmd lists threads.
type ThreadsCmd struct{}

// Run executes the command.
func (c *ThreadsCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	threads, err := s.AllThreads(ctx)
	if err != nil {
		return err
	}

	t := g.table("Handle", "ID", "Name", "State", "Pool")
	for _, th := range threads {
		row, err := threadRow(ctx, th)
		if err != nil {
			return err
		}
		if err := t.Append(row); err != nil {
			return err
		}
	}
	return t.Render()
}

func threadRow(ctx context.Context, th *debug.ThreadMirror) ([]string, error) {
	name, err := th.Name(ctx)
	if err != nil {
		return nil, err
	}
	id, err := th.ID(ctx)
	if err != nil {
		return nil, err
	}
	state, err := th.RunState(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := th.IsPoolThread(ctx)
	if err != nil {
		return nil, err
	}
	return []string{th.Handle().String(), strconv.FormatInt(id, 10), name, state.String(), strconv.FormatBool(pool)}, nil
}

// FramesCmd prints call stacks.
type FramesCmd struct {
	Thread string `short:"t" help:"Thread handle (decimal or 0x hex). Default is every thread."`
}

// Run executes the command.
func (c *FramesCmd) Run(g *Globals) error {
	ctx := context.Background()
	s, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	threads, err := c.threads(ctx, s)
	if err != nil {
		return err
	}

	// Resume afterwards only if we were the ones to suspend.
	if s.State() == debug.StateRunning {
		if err := s.Suspend(ctx); err != nil {
			return err
		}
		defer func() {
			if err := s.Resume(ctx); err != nil {
				g.Log.Warn("resume failed", zap.Error(err))
			}
		}()
	}

	for _, th := range threads {
		frames, err := th.GetFrames(ctx)
		if err != nil {
			return err
		}
		name, err := th.Name(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(g.Out, "%s %q\n%s\n", th.Handle(), name, debug.FormatStack(frames))
	}
	return nil
}

func (c *FramesCmd) threads(ctx context.Context, s *debug.Session) ([]*debug.ThreadMirror, error) {
	if c.Thread == "" {
		return s.AllThreads(ctx)
	}
	h, err := strconv.ParseInt(c.Thread, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("thread handle %q: %w", c.Thread, err)
	}
	return []*debug.ThreadMirror{s.Thread(sdb.Handle(h))}, nil
}

// WatchCmd prints events as they arrive.
type WatchCmd struct{}

// Run executes the command.
func (c *WatchCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.watch(ctx, g)
}

func (c *WatchCmd) watch(ctx context.Context, g *Globals) error {
	s, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	events := make(chan string, 64)
	emit := func(format string, args ...any) {
		select {
		case events <- fmt.Sprintf(format, args...):
		default:
			g.Log.Warn("event dropped", zap.String("event", fmt.Sprintf(format, args...)))
		}
	}
	s.SetHandlers(debug.SessionHandlers{
		OnSuspended:     func(ev sdb.Event) { emit("suspended (%s on %s)", ev.Kind, ev.Thread) },
		OnResumed:       func(gen uint64) { emit("resumed (generation %d)", gen) },
		OnThreadStarted: func(th *debug.ThreadMirror) { emit("thread started %s", th) },
		OnThreadDied:    func(th *debug.ThreadMirror) { emit("thread died %s", th) },
		OnTerminated:    func(reason error) { emit("terminated: %v", reason) },
	})

	if g.ConfigPath != "" {
		w, err := config.NewWatcher(g.ConfigPath)
		if err != nil {
			return err
		}
		go func() {
			_ = w.Run(ctx, func(cfg *config.Config, err error) {
				g.reload(s, cfg, err)
			})
		}()
	}

	fmt.Fprintf(g.Out, "watching %s (%s)\n", g.Config.Debuggee.Address, s.Version().VM)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-events:
			fmt.Fprintln(g.Out, line)
		case <-s.Done():
			// Drain what the handlers queued before termination.
			for {
				select {
				case line := <-events:
					fmt.Fprintln(g.Out, line)
				default:
					return nil
				}
			}
		}
	}
}

// reload applies the settings that can change on a live session.
func (g *Globals) reload(s *debug.Session, cfg *config.Config, err error) {
	if err != nil {
		g.Log.Warn("config reload failed", zap.Error(err))
		return
	}
	s.SetRequestTimeout(cfg.Session.RequestTimeout.Std())
	if err := g.Log.SetLevel(cfg.Logging.Level); err != nil {
		g.Log.Warn("config reload: log level", zap.Error(err))
	}
	g.Log.Info("config reloaded",
		zap.Duration("request_timeout", cfg.Session.RequestTimeout.Std()),
		zap.String("level", cfg.Logging.Level))
}
