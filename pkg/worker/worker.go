// Package worker implements the worker process runtime.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/octopus-sh/octopus/pkg/cache"
	"github.com/octopus-sh/octopus/pkg/client"
	"github.com/octopus-sh/octopus/pkg/config"
	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/plugin"
	"github.com/octopus-sh/octopus/pkg/scheduler"
	"github.com/octopus-sh/octopus/pkg/types"
)

// Version is stamped at build time
var Version = "dev"

// Worker is the long-running worker process: it heartbeats, syncs its
// assigned tasks into the scheduler, drains control commands, and replays
// the execution outbox.
type Worker struct {
	cfg      *config.Worker
	coord    *outboxCoordinator
	sched    *scheduler.Scheduler
	plugins  *plugin.Registry
	outbox   *Outbox
	cache    *cache.Cache
	hostname string
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a worker from configuration. Plugins register on the returned
// worker's registry before Start.
func New(cfg *config.Worker) (*Worker, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	outbox, err := OpenOutbox(filepath.Join(cfg.DataDir, "outbox.db"))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	logger := log.Component("worker").With().Str("username", cfg.Username).Logger()

	w := &Worker{
		cfg: cfg,
		coord: &outboxCoordinator{
			Client: client.New(cfg.CoordinatorURL, cfg.Username),
			outbox: outbox,
			logger: logger,
		},
		plugins:  plugin.NewRegistry(),
		outbox:   outbox,
		cache:    cache.New(),
		hostname: hostname,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	proc := plugin.NewProcessor(w.cache, cfg.OutputsDir, w.recordSubExecution)
	w.sched = scheduler.New(w.coord, w.plugins, proc, cfg.Username)
	w.registerBuiltins()
	return w, nil
}

// outboxCoordinator wraps the HTTP client so execution reports that fail
// to send persist in the outbox for replay instead of being dropped.
type outboxCoordinator struct {
	*client.Client
	outbox *Outbox
	logger zerolog.Logger
}

func (c *outboxCoordinator) PostExecution(ctx context.Context, exec *types.Execution) error {
	if err := c.Client.PostExecution(ctx, exec); err != nil {
		c.logger.Warn().Err(err).
			Str("execution_id", exec.ID).
			Msg("queuing execution report in outbox")
		return c.outbox.Put(exec)
	}
	return nil
}

// Plugins exposes the registry so callers can add plugins before Start
func (w *Worker) Plugins() *plugin.Registry {
	return w.plugins
}

// Start launches the heartbeat, scheduler, and command loops
func (w *Worker) Start() {
	w.logger.Info().
		Str("coordinator", w.cfg.CoordinatorURL).
		Str("version", Version).
		Msg("worker starting")

	// First heartbeat goes out before any loop so the coordinator can
	// assign work on the worker's first sync.
	w.heartbeat(context.Background())

	w.sched.Start(w.cfg.PollInterval)
	w.loop(w.cfg.HeartbeatInterval, w.heartbeat)
	w.loop(w.cfg.PollInterval, w.pollCommands)
	w.loop(w.cfg.PollInterval, w.flushOutbox)
}

// Stop shuts the worker down, waiting for in-flight firings
func (w *Worker) Stop() {
	close(w.stopCh)
	w.sched.Stop()
	w.wg.Wait()
	w.cache.Stop()
	if err := w.outbox.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("failed to close outbox")
	}
	w.logger.Info().Msg("worker stopped")
}

func (w *Worker) loop(interval time.Duration, fn func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn(context.Background())
			case <-w.stopCh:
				return
			}
		}
	}()
}

// heartbeat reports presence and host telemetry
func (w *Worker) heartbeat(ctx context.Context) {
	if err := w.coord.Heartbeat(ctx, w.telemetry()); err != nil {
		w.logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

// telemetry samples the host. Sampling failures degrade to zero values
// rather than blocking the heartbeat.
func (w *Worker) telemetry() *types.Worker {
	t := &types.Worker{
		Username:      w.cfg.Username,
		IP:            localIP(),
		ClientVersion: Version,
	}
	t.Hostname = w.hostname

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		t.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		t.MemPercent = vm.UsedPercent
	}
	if info, err := host.Info(); err == nil {
		t.Platform = fmt.Sprintf("%s/%s", info.OS, info.Platform)
	}
	return t
}

// pollCommands drains and executes queued control commands. The queue is
// keyed by hostname, not username.
func (w *Worker) pollCommands(ctx context.Context) {
	cmds, err := w.coord.DrainCommands(ctx, w.hostname)
	if err != nil {
		w.logger.Warn().Err(err).Msg("command poll failed")
		return
	}

	for _, cmd := range cmds {
		w.runCommand(ctx, cmd)
	}
}

func (w *Worker) runCommand(ctx context.Context, cmd *types.Command) {
	logger := w.logger.With().Str("command_id", cmd.ID).Str("plugin", cmd.Plugin).Logger()

	fn, err := w.plugins.Resolve(cmd.Plugin, cmd.Action)
	if err != nil {
		logger.Warn().Err(err).Msg("command targets unknown plugin")
		return
	}

	ret, err := fn(ctx, plugin.Invocation{
		Worker: w.cfg.Username,
		Args:   cmd.Args,
		Kwargs: cmd.Kwargs,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("command failed")
		return
	}
	logger.Info().Interface("result", ret).Msg("command executed")
}

// flushOutbox replays execution reports that failed to send earlier
func (w *Worker) flushOutbox(ctx context.Context) {
	delivered, err := w.outbox.Drain(func(exec *types.Execution) error {
		return w.coord.Client.PostExecution(ctx, exec)
	})
	if delivered > 0 {
		w.logger.Info().Int("delivered", delivered).Msg("outbox replayed")
	}
	if err != nil {
		w.logger.Debug().Err(err).Msg("outbox replay interrupted")
	}
}

// recordSubExecution is the response processor's db handler: a plugin's
// "db" data operation becomes an execution under its own synthetic task id
// so it never touches the parent task's state. Failed posts go to the
// outbox via the wrapped client.
func (w *Worker) recordSubExecution(taskID, worker, status, result string) error {
	return w.coord.PostExecution(context.Background(), &types.Execution{
		ID:     types.ExecutionID(taskID, worker, time.Now()),
		TaskID: taskID,
		Worker: worker,
		Status: status,
		Result: result,
	})
}

// registerBuiltins installs the plugins every worker ships with
func (w *Worker) registerBuiltins() {
	w.plugins.Register(plugin.Func{PluginName: "echo", Fn: func(ctx context.Context, inv plugin.Invocation) (any, error) {
		if len(inv.Args) == 0 {
			return "", nil
		}
		return inv.Args[0], nil
	}})

	w.plugins.Register(plugin.Func{PluginName: "sysinfo", Fn: func(ctx context.Context, inv plugin.Invocation) (any, error) {
		t := w.telemetry()
		return map[string]any{
			"hostname":    t.Hostname,
			"ip":          t.IP,
			"platform":    t.Platform,
			"cpu_percent": t.CPUPercent,
			"mem_percent": t.MemPercent,
		}, nil
	}})
}

// localIP resolves the host's outbound interface address. No packets are
// sent; the dial only selects a route.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
