package rollupboost

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
)

// defaultPayloadTTL keeps a context alive for one slot. Anything the
// driver has not collected by then is stale.
const defaultPayloadTTL = 12 * time.Second

type payloadState int

const (
	payloadArmed payloadState = iota
	payloadAwaiting
	payloadResolved
)

// payloadContext records one in-flight block production round, keyed
// by the payload ID the L2 node handed back to the driver. The entry
// lock serializes payload selection so concurrent getPayload calls
// observe a single decision.
type payloadContext struct {
	mu sync.Mutex

	l2PayloadID      engine.PayloadID
	builderPayloadID *engine.PayloadID
	headBlockHash    common.Hash
	attributesHash   common.Hash
	beaconRoot       *common.Hash
	boostSync        bool
	createdAt        time.Time

	state    payloadState
	selected json.RawMessage
}

// payloadStore is the only mutable state the sidecar holds: a bounded
// in-memory index of payload contexts with TTL eviction.
type payloadStore struct {
	mu      sync.Mutex
	entries map[engine.PayloadID]*payloadContext
	ttl     time.Duration
	onSize  func(int)

	done      chan struct{}
	closeOnce sync.Once
}

func newPayloadStore(ttl time.Duration, onSize func(int)) *payloadStore {
	if ttl <= 0 {
		ttl = defaultPayloadTTL
	}
	s := &payloadStore{
		entries: make(map[engine.PayloadID]*payloadContext),
		ttl:     ttl,
		onSize:  onSize,
		done:    make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

func (s *payloadStore) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *payloadStore) put(entry *payloadContext) {
	s.mu.Lock()
	s.entries[entry.l2PayloadID] = entry
	n := len(s.entries)
	s.mu.Unlock()
	s.reportSize(n)
}

func (s *payloadStore) get(id engine.PayloadID) (*payloadContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	return entry, ok
}

func (s *payloadStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// setBuilderPayloadID records the builder's payload ID for an armed
// context. Returns false if the context has already been evicted.
func (s *payloadStore) setBuilderPayloadID(id, builderID engine.PayloadID) bool {
	entry, ok := s.get(id)
	if !ok {
		return false
	}
	entry.mu.Lock()
	entry.builderPayloadID = &builderID
	entry.mu.Unlock()
	return true
}

func (s *payloadStore) evictLoop() {
	interval := s.ttl / 4
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

// evictExpired drops every context older than the TTL. A getPayload
// racing an eviction simply misses the lookup and falls through to
// the L2 node.
func (s *payloadStore) evictExpired() {
	now := time.Now()
	s.mu.Lock()
	for id, entry := range s.entries {
		if now.Sub(entry.createdAt) >= s.ttl {
			delete(s.entries, id)
		}
	}
	n := len(s.entries)
	s.mu.Unlock()
	s.reportSize(n)
}

func (s *payloadStore) reportSize(n int) {
	if s.onSize != nil {
		s.onSize(n)
	}
}
