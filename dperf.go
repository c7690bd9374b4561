// Package dperf is a single-machine, multi-core packet-processing benchmark:
// workloads are decomposed into a staged pipeline whose phases map onto
// per-core workspaces, connected by lock-free rings and driven against a
// kernel-bypass queue-pair backend.
package dperf

import (
	"os"
	"sync"

	"github.com/dperf-io/dperf/internal/config"
	"github.com/dperf-io/dperf/internal/dispatch"
	"github.com/dperf-io/dperf/internal/logging"
	"github.com/dperf-io/dperf/internal/pipeline"
	"github.com/dperf-io/dperf/internal/workspace"
)

// Options configures one benchmark run.
type Options struct {
	// ConfigPath is the colon-delimited configuration file.
	ConfigPath string
	// IsServer selects the server role: the RX side of the handshake and
	// the request-serving workload handlers.
	IsServer bool
	// Verbose raises the log level to debug.
	Verbose bool
}

// Run loads the configuration, composes the pipeline, launches one pinned
// workspace per configured core, and blocks until every iteration finished.
// Setup failures abort the process with a one-line diagnostic, as everything
// before the start barrier is unrecoverable by design.
func Run(opts Options) error {
	logCfg := logging.DefaultConfig()
	if opts.Verbose {
		logCfg.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logCfg))

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapError("load_config", ErrCodeConfig, err)
	}
	pipe, err := pipeline.New(cfg)
	if err != nil {
		return WrapError("compose_pipeline", ErrCodeConfig, err)
	}

	var active []uint8
	for _, wsID := range cfg.ActiveWorkspaces() {
		if pipe.TypeOf(wsID) != 0 {
			active = append(active, wsID)
		}
	}
	if len(active) == 0 {
		return NewError("launch", ErrCodeConfig, "no workspaces configured")
	}
	logging.Infof("launching %d workspaces", len(active))

	ctx := workspace.NewContext(len(active))
	var wg sync.WaitGroup
	for _, wsID := range active {
		wg.Add(1)
		go func(wsID uint8) {
			defer wg.Done()
			wsMain(ctx, wsID, pipe, cfg, opts)
		}(wsID)
	}
	wg.Wait()
	return nil
}

// wsMain is the body of one workspace thread: construct, run the event
// loop, deregister. Construction failures terminate the process since the
// siblings are already parked on the barrier.
func wsMain(ctx *workspace.Context, wsID uint8, pipe *pipeline.Pipeline, cfg *config.UserConfig, opts Options) {
	ws, err := workspace.New(workspace.Options{
		Ctx:      ctx,
		WsID:     wsID,
		WsType:   pipe.TypeOf(wsID),
		NumaNode: cfg.Server.Numa,
		PhyPort:  cfg.Server.PhyPort,
		Loop:     pipe.LoopOf(wsID),
		Cfg:      cfg,
		IsServer: opts.IsServer,
		NewDispatcher: func(id uint8) (dispatch.Dispatcher, error) {
			return newDispatcher(id, cfg, opts.IsServer)
		},
	})
	if err != nil {
		logging.Errorf("workspace %d setup failed: %v", wsID, err)
		os.Exit(1)
	}
	logging.Infof("------------- workspace %d is running -------------", wsID)
	ws.Run(int(cfg.Server.Iteration), int(cfg.Server.Duration))
	ws.Deregister()
}

// RegisterWorkload installs a custom workload handler for a workload type
// before Run is called.
var RegisterWorkload = workspace.Register
