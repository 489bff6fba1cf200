package coordinator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/octopus-sh/octopus/pkg/assign"
	"github.com/octopus-sh/octopus/pkg/cache"
	"github.com/octopus-sh/octopus/pkg/config"
	"github.com/octopus-sh/octopus/pkg/events"
	"github.com/octopus-sh/octopus/pkg/ledger"
	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/params"
	"github.com/octopus-sh/octopus/pkg/plugin"
	"github.com/octopus-sh/octopus/pkg/registry"
	"github.com/octopus-sh/octopus/pkg/security"
	"github.com/octopus-sh/octopus/pkg/storage"
)

// retentionTick is how often the ledger's retention sweep runs.
const retentionTick = time.Hour

// defaultParamKey obfuscates sensitive user parameters when no key is
// configured. Parameter obfuscation is an opacity boundary, not a security
// boundary; operators who want real secrecy set OCTOPUS_PARAM_KEY.
const defaultParamKey = "octopus-default-param-key"

// Coordinator is the app context: every coordinator-side component,
// constructed once at startup and handed to the HTTP layer. None of the
// components hold references back to HTTP.
type Coordinator struct {
	Config   *config.Coordinator
	Store    storage.Store
	Registry *registry.Registry
	Broker   *events.Broker
	Engine   *assign.Engine
	Ledger   *ledger.Ledger
	Params   *params.Manager

	// Broadcast holds coordinator-wide key/values readable by every
	// worker; Profiles holds per-user profile documents.
	Broadcast *cache.Cache
	Profiles  *cache.Cache

	logger zerolog.Logger
}

// New wires the full coordinator component graph
func New(cfg *config.Coordinator) (*Coordinator, error) {
	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	reg, err := registry.NewRegistry(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	logger := log.Component("coordinator")

	key := cfg.ParamKey
	if key == "" {
		logger.Warn().Msg("no param key configured, using built-in default")
		key = defaultParamKey
	}
	obf, err := security.NewObfuscatorFromPassphrase(key)
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := events.NewBroker()
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = ledger.DefaultRetention
	}

	return &Coordinator{
		Config:    cfg,
		Store:     store,
		Registry:  reg,
		Broker:    broker,
		Engine:    assign.NewEngine(store, reg, broker),
		Ledger:    ledger.NewLedger(store, broker, retention),
		Params:    params.NewManager(store, obf, cfg.AdminUsers),
		Broadcast: cache.New(),
		Profiles:  cache.New(),
		logger:    logger,
	}, nil
}

// Start launches the background loops
func (c *Coordinator) Start() {
	tick := c.Config.AssignTick
	if tick <= 0 {
		tick = 5 * time.Second
	}

	c.Broker.Start()
	c.Engine.Start(tick)
	c.Ledger.StartRetentionSweep(retentionTick)
	c.logger.Info().
		Str("database", c.Config.DatabasePath).
		Msg("coordinator started")
}

// Stop shuts components down in reverse dependency order. The store
// closes last so in-flight writes land.
func (c *Coordinator) Stop() {
	c.Ledger.Stop()
	c.Engine.Stop()
	c.Broker.Stop()
	c.Broadcast.Stop()
	c.Profiles.Stop()
	if err := c.Store.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to close store")
	}
	c.logger.Info().Msg("coordinator stopped")
}

// PluginManifests loads the plugin metadata manifests from the configured
// plugins directory.
func (c *Coordinator) PluginManifests() ([]plugin.Metadata, error) {
	return plugin.LoadManifests(c.Config.PluginsDir)
}
