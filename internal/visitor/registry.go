package visitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/guidepost/internal/assistant"
	"github.com/zulandar/guidepost/internal/clock"
	"github.com/zulandar/guidepost/internal/config"
	"github.com/zulandar/guidepost/internal/conversation"
	"github.com/zulandar/guidepost/internal/gateway"
	"github.com/zulandar/guidepost/internal/kv"
	"github.com/zulandar/guidepost/internal/metrics"
)

// RegistryOpts holds the dependencies shared by every runtime.
type RegistryOpts struct {
	Persistent kv.Store
	Gateway    gateway.Gateway
	Responder  assistant.Responder
	Beacon     conversation.Beacon
	Config     *config.Config
	Clock      clock.Clock
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
}

// Registry tracks the live runtime of every connected tab. A tab that
// reconnects replaces its previous runtime.
type Registry struct {
	opts RegistryOpts
	// tabs outlives runtimes so a reload of the same tab finds its marker.
	tabs *kv.MemoryStore
	log  *logrus.Entry

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewRegistry validates opts and returns an empty registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.Persistent == nil {
		return nil, fmt.Errorf("visitor: registry: persistent store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("visitor: registry: gateway is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("visitor: registry: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Registry{
		opts:     opts,
		tabs:     kv.NewMemoryStore(opts.Clock),
		log:      opts.Logger.WithField("component", "visitor_registry"),
		runtimes: make(map[string]*Runtime),
	}, nil
}

// Attach builds a runtime for hello and registers it under the tab id. An
// older runtime for the same tab is closed before Attach returns. The new
// runtime is not started.
func (g *Registry) Attach(ctx context.Context, hello ClientHello, send Sender) (*Runtime, error) {
	rt, err := NewRuntime(RuntimeOpts{
		Hello:      hello,
		Sender:     send,
		Persistent: g.opts.Persistent,
		Tab:        kv.Prefixed(g.tabs, "tab:"+hello.TabID),
		Gateway:    g.opts.Gateway,
		Responder:  g.opts.Responder,
		Beacon:     g.opts.Beacon,
		Config:     g.opts.Config,
		Clock:      g.opts.Clock,
		Logger:     g.opts.Logger,
		Metrics:    g.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	old := g.runtimes[hello.TabID]
	g.runtimes[hello.TabID] = rt
	g.mu.Unlock()

	if old != nil {
		g.log.WithField("tab_id", hello.TabID).Info("visitor: replacing runtime for reconnected tab")
		old.Close(ctx)
	}
	return rt, nil
}

// Detach closes rt and forgets it, unless a newer runtime already took its
// place.
func (g *Registry) Detach(ctx context.Context, rt *Runtime) {
	g.mu.Lock()
	if cur, ok := g.runtimes[rt.TabID()]; ok && cur == rt {
		delete(g.runtimes, rt.TabID())
	}
	g.mu.Unlock()
	rt.Close(ctx)
}

// Get returns the runtime registered for tabID.
func (g *Registry) Get(tabID string) (*Runtime, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rt, ok := g.runtimes[tabID]
	return rt, ok
}

// Count returns the number of registered runtimes.
func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runtimes)
}

// CloseAll closes every runtime. Used on shutdown.
func (g *Registry) CloseAll(ctx context.Context) int {
	g.mu.Lock()
	all := make([]*Runtime, 0, len(g.runtimes))
	for id, rt := range g.runtimes {
		all = append(all, rt)
		delete(g.runtimes, id)
	}
	g.mu.Unlock()

	for _, rt := range all {
		rt.Close(ctx)
	}
	return len(all)
}
