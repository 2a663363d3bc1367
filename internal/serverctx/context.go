// Package serverctx holds the shared, process-wide dependencies every
// component needs: configuration, the event bus, the rate limiter, the
// session registry, and a base logger.
package serverctx

import (
	"time"

	"github.com/rs/zerolog"

	"driftrelay/internal/config"
	"driftrelay/internal/eventbus"
	"driftrelay/internal/mods"
	"driftrelay/internal/ratelimit"
	"driftrelay/internal/registry"
)

// Context is constructed once in main and passed by pointer to every
// component that needs shared state.
type Context struct {
	Config    *config.Config
	Bus       *eventbus.Bus
	Limiter   *ratelimit.Limiter
	Registry  *registry.Registry
	Inventory *mods.Inventory
	Log       zerolog.Logger
}

// New wires the shared dependencies together.
func New(cfg *config.Config, inv *mods.Inventory, log zerolog.Logger) *Context {
	bus := eventbus.New(func(topic string, err error) {
		log.Warn().Str("topic", topic).Err(err).Msg("event handler error")
	})

	return &Context{
		Config:    cfg,
		Bus:       bus,
		Limiter:   ratelimit.New(50, 10*time.Second, 300*time.Second),
		Registry:  registry.New(cfg.MaxPlayers),
		Inventory: inv,
		Log:       log,
	}
}
