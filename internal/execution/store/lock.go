package store

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// minLockTTL is the floor for the lease TTL, so a crashed holder's lock
// still releases promptly but survives brief GC pauses.
const minLockTTL = 30 * time.Second

// strategyLock is a per-strategy exclusive binding, created on demand and
// reclaimed when the strategy is unloaded. It is a buffered channel used
// as a semaphore so acquisition can be bounded by a deadline, which
// sync.Mutex cannot do directly.
type strategyLock chan struct{}

func newStrategyLock() strategyLock {
	l := make(strategyLock, 1)
	l <- struct{}{}
	return l
}

// lockRegistry maps strategy id to its mutex plus a go-cache-backed lease
// used to detect and force-release stale locks. The lease is advisory
// within a single process; it is the seam a multi-process deployment
// would replace with a real compare-and-set key in a shared backing store.
type lockRegistry struct {
	mu     sync.Mutex
	locks  map[string]strategyLock
	leases *cache.Cache
	logger *zap.Logger
}

func newLockRegistry(logger *zap.Logger) *lockRegistry {
	return &lockRegistry{
		locks:  make(map[string]strategyLock),
		leases: cache.New(minLockTTL, minLockTTL),
		logger: logger,
	}
}

func (r *lockRegistry) get(id string) strategyLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = newStrategyLock()
		r.locks[id] = l
	}
	return l
}

func (r *lockRegistry) delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, id)
	r.leases.Delete(id)
}

// acquire takes the strategy's lock within deadline, extending the lease
// for at least minLockTTL. On timeout it checks whether the current lease
// has already expired and, if so, forces the token back in (the holder is
// presumed crashed) before retrying once.
func (r *lockRegistry) acquire(id string, deadline time.Duration) (release func(), err error) {
	l := r.get(id)
	ttl := deadline
	if ttl < minLockTTL {
		ttl = minLockTTL
	}

	select {
	case <-l:
		r.leases.Set(id, time.Now(), ttl)
		return func() {
			r.leases.Delete(id)
			l <- struct{}{}
		}, nil
	case <-time.After(deadline):
	}

	if _, leaseHeld := r.leases.Get(id); !leaseHeld {
		// No live lease: the previous holder is presumed crashed before
		// releasing. Force the token back into the channel and retry once.
		r.logger.Warn("forcibly releasing stale strategy lock", zap.String("strategy_id", id))
		select {
		case l <- struct{}{}:
		default:
		}
		select {
		case <-l:
			r.leases.Set(id, time.Now(), ttl)
			return func() {
				r.leases.Delete(id)
				l <- struct{}{}
			}, nil
		default:
		}
	}

	return nil, domain.ErrLockTimeout
}
