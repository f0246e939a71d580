// Package platform is the composition root. It wires stores, auth,
// provisioning, and orchestration into one bundle and optionally holds a
// single process-wide instance for embedders that cannot thread a handle
// through their call stack.
package platform

import (
	"os"
	"sync"

	"github.com/cassandranet/cassnet/pkg/auth"
	"github.com/cassandranet/cassnet/pkg/events"
	"github.com/cassandranet/cassnet/pkg/orchestration"
	"github.com/cassandranet/cassnet/pkg/provisioning"
	"github.com/cassandranet/cassnet/pkg/storage"
)

// Bundle holds one fully wired set of platform services.
type Bundle struct {
	store         storage.Store
	broker        *events.Broker
	auth          *auth.Service
	provisioning  *provisioning.Service
	orchestration *orchestration.Engine
}

// Options customizes bundle construction.
type Options struct {
	AuthOptions          []auth.Option
	ProvisioningOptions  []provisioning.Option
	OrchestrationOptions []orchestration.Option
}

// New wires a bundle over the given store. The broker is started; callers
// subscribing to it receive lifecycle events from every service.
func New(store storage.Store, secret []byte, opts Options) *Bundle {
	broker := events.NewBroker()
	broker.Start()

	authOpts := append([]auth.Option{auth.WithEventBroker(broker)}, opts.AuthOptions...)
	authSvc := auth.NewService(store, store, secret, authOpts...)

	provOpts := append([]provisioning.Option{provisioning.WithEventBroker(broker)}, opts.ProvisioningOptions...)
	provSvc := provisioning.NewService(store, store, store, authSvc, provOpts...)

	engineOpts := append([]orchestration.Option{orchestration.WithEventBroker(broker)}, opts.OrchestrationOptions...)
	engine := orchestration.NewEngine(store, store, engineOpts...)

	return &Bundle{
		store:         store,
		broker:        broker,
		auth:          authSvc,
		provisioning:  provSvc,
		orchestration: engine,
	}
}

// InMemory wires a bundle over the reference in-memory store.
func InMemory(secret []byte) *Bundle {
	return New(storage.NewMemoryStore(), secret, Options{})
}

// Auth returns the auth service.
func (b *Bundle) Auth() *auth.Service { return b.auth }

// Provisioning returns the provisioning service.
func (b *Bundle) Provisioning() *provisioning.Service { return b.provisioning }

// Orchestration returns the orchestration engine.
func (b *Bundle) Orchestration() *orchestration.Engine { return b.orchestration }

// Store returns the underlying store.
func (b *Bundle) Store() storage.Store { return b.store }

// Events returns the bundle's event broker.
func (b *Bundle) Events() *events.Broker { return b.broker }

// Close stops the broker and closes the store.
func (b *Bundle) Close() error {
	b.broker.Stop()
	return b.store.Close()
}

var (
	globalMu sync.Mutex
	global   *Bundle
)

// InitGlobal returns the process-wide bundle, constructing an in-memory one
// on first use. The signing secret comes from CASS_JWT_SECRET, falling back
// to a development default. Construction is idempotent.
func InitGlobal() *Bundle {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		secret := os.Getenv("CASS_JWT_SECRET")
		if secret == "" {
			secret = "dev-secret"
		}
		global = InMemory([]byte(secret))
	}
	return global
}

// SetGlobal installs a bundle as the process-wide instance. The first set
// wins; later calls are ignored.
func SetGlobal(bundle *Bundle) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = bundle
	}
}

// Global returns the process-wide bundle, or nil before initialization.
func Global() *Bundle {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}
