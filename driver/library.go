// Package driver is the object factory of the driver core. It builds
// connection handles, clones, statement handles and the frame codec and I/O
// channel beneath them, and unwinds completely when any step fails.
//
// A Library carries the process-wide state of one generation: the plugin
// registry, the global statistics block, the debug tracer and the reverse
// API. Factories are created from an initialized Library.
package driver

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/guileen/pgnd/auth"
	"github.com/guileen/pgnd/config"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/logger"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/trace"
)

const (
	// CorePluginName is the plugin carrying the global statistics block
	CorePluginName = "pgnd"
	Version        = "1.0.0"
)

// corePlugin is registered first in every generation
type corePlugin struct {
	stats *stats.Stats
}

func (p *corePlugin) Name() string    { return CorePluginName }
func (p *corePlugin) Version() string { return Version }

func (p *corePlugin) Shutdown() error {
	stats.End(p.stats, true)
	return nil
}

// Library is the process-wide driver state
type Library struct {
	mu          sync.Mutex
	cfg         config.DriverConfig
	initialized bool
	generation  uint64

	registry *plugin.Registry
	core     *corePlugin
	tracer   *trace.Tracer
	reverse  *ReverseAPI
}

// NewLibrary creates an uninitialized library
func NewLibrary(cfg config.DriverConfig) *Library {
	return &Library{
		cfg:      cfg,
		registry: plugin.NewRegistry(),
		reverse:  NewReverseAPI(),
	}
}

// Init registers the built-in plugins and starts the global statistics
// block. Calling Init on an initialized library does nothing.
func (l *Library) Init() (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return nil
	}

	core := &corePlugin{stats: stats.Init(int(stats.Last), true)}
	tracer := trace.New(nil, l.cfg.DebugTrace)
	defer func() {
		if err != nil {
			if serr := l.registry.Shutdown(); serr != nil {
				err = multierror.Append(err, serr)
			}
		}
	}()

	if _, err := l.registry.Register(core); err != nil {
		return err
	}
	if _, err := l.registry.Register(tracer); err != nil {
		return err
	}
	if err := auth.RegisterBuiltins(l.registry); err != nil {
		return err
	}

	l.reverse.init()
	if err := l.reverse.Register(CorePluginName, extractConn); err != nil {
		l.reverse.end()
		return err
	}

	l.core = core
	l.tracer = tracer
	l.generation++
	l.initialized = true
	logger.Debug("driver library initialized",
		"generation", l.generation,
		"plugins", l.registry.Count())
	return nil
}

// End shuts every plugin down in reverse registration order, ends the
// global statistics and the reverse API, and opens a new generation.
// Calling End on an uninitialized library does nothing.
func (l *Library) End() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return nil
	}

	err := l.registry.Shutdown()
	l.reverse.end()
	l.core = nil
	l.tracer = nil
	l.initialized = false
	logger.Debug("driver library ended", "generation", l.generation)
	return err
}

// Initialized reports whether Init has run since the last End
func (l *Library) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}

// Generation counts successful Init calls
func (l *Library) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// Config returns the configuration the library was created with
func (l *Library) Config() config.DriverConfig {
	return l.cfg
}

// Registry returns the plugin registry
func (l *Library) Registry() *plugin.Registry {
	return l.registry
}

// RegisterPlugin adds a third-party plugin. It fails once the first object
// of the current generation has been built.
func (l *Library) RegisterPlugin(p plugin.Plugin) (plugin.ID, error) {
	if !l.Initialized() {
		return -1, drverrors.Wrapf(drverrors.ErrNotInitialized, drverrors.ErrCodeNotInitialized,
			"driver.RegisterPlugin", "cannot register %q", p.Name())
	}
	return l.registry.Register(p)
}

// GlobalStats returns the process-wide statistics block, nil when the
// library is not initialized
func (l *Library) GlobalStats() *stats.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.core == nil {
		return nil
	}
	return l.core.stats
}

// Tracer returns the debug tracer; a nil tracer is safe to use
func (l *Library) Tracer() *trace.Tracer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracer
}

// ReverseAPI returns the reverse API registry
func (l *Library) ReverseAPI() *ReverseAPI {
	return l.reverse
}

// pluginCount seals the registry and returns its count. Objects carry one
// slot per plugin, so registration must stop once the first one is built.
func (l *Library) pluginCount(op string) (int, error) {
	if !l.Initialized() {
		return 0, drverrors.Wrapf(drverrors.ErrNotInitialized, drverrors.ErrCodeNotInitialized, op, "driver library")
	}
	l.registry.Seal()
	return l.registry.Count(), nil
}

func (l *Library) enter(op string, args ...any) func(*error) {
	return l.Tracer().Enter(context.Background(), op, args...)
}

var (
	defaultMu      sync.Mutex
	defaultLibrary *Library
)

// Init initializes the process-wide default library from cfg. A second
// call without End in between does nothing.
func Init(cfg config.DriverConfig) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLibrary == nil {
		defaultLibrary = NewLibrary(cfg)
	}
	return defaultLibrary.Init()
}

// End tears the default library down
func End() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLibrary == nil {
		return nil
	}
	err := defaultLibrary.End()
	defaultLibrary = nil
	return err
}

// Default returns the default library, nil before Init
func Default() *Library {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLibrary
}
