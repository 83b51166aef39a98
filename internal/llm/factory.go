package llm

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"ohm/internal/keypool"
)

// rebuildWait caps how long a caller blocks behind another caller's
// in-flight client rebuild. When it elapses the caller proceeds with
// whatever client exists; a marginally stale binding is preferable to
// stalling a turn.
const rebuildWait = 2 * time.Second

// FactoryConfig configures the client factory.
type FactoryConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *zap.Logger
}

// ClientFactory hands out a client bound to the pool's current
// credential, rebuilding exactly when the bound secret no longer
// matches the pool or when a refresh is forced after rotation.
// Rebuilds are serialized: concurrent callers wait (bounded) for the
// in-flight rebuild instead of duplicating it.
type ClientFactory struct {
	pool   *keypool.Pool
	cfg    FactoryConfig
	logger *zap.Logger

	mu          sync.Mutex
	client      *Client
	boundSecret string
	rebuildDone chan struct{} // non-nil while a rebuild is in flight
}

// NewClientFactory creates a factory over the given pool.
func NewClientFactory(pool *keypool.Pool, cfg FactoryConfig) *ClientFactory {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ClientFactory{
		pool:   pool,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// GetClient returns a client bound to the pool's current secret. With
// forceRefresh the binding is rebuilt even if it still matches, which
// the executor uses right after a rotation.
func (f *ClientFactory) GetClient(forceRefresh bool) (*Client, error) {
	deadline := time.Now().Add(rebuildWait)

	for {
		secret, err := f.pool.Current()
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		if !forceRefresh && f.client != nil && f.boundSecret == secret {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}

		if f.rebuildDone == nil {
			// Become the rebuilder.
			done := make(chan struct{})
			f.rebuildDone = done
			f.mu.Unlock()

			c := NewClient(ClientConfig{
				APIKey:  secret,
				BaseURL: f.cfg.BaseURL,
				Timeout: f.cfg.Timeout,
				Logger:  f.logger,
			})

			f.mu.Lock()
			f.client = c
			f.boundSecret = secret
			f.rebuildDone = nil
			f.mu.Unlock()
			close(done)

			f.logger.Debug("gateway client rebuilt",
				zap.Int("credential", f.pool.CurrentIndex()))
			return c, nil
		}

		// Another caller is rebuilding; wait for it, bounded.
		done := f.rebuildDone
		f.mu.Unlock()

		select {
		case <-done:
			// The completed rebuild may already satisfy this caller.
			forceRefresh = false
		case <-time.After(time.Until(deadline)):
			f.mu.Lock()
			c := f.client
			f.mu.Unlock()
			if c != nil {
				f.logger.Warn("rebuild wait elapsed, proceeding with existing client")
				return c, nil
			}
			// No client exists yet; keep trying to build one.
		}
	}
}
