// Package registry keeps the live entities of one kind in memory.
//
// A Store owns two views of the same members: byID for keyed lookups and all
// for membership tests. Every mutation updates both under the store mutex, so
// callers never observe an entity present in one view but not the other.
package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/antzucaro/matchr"

	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/models"
	"github.com/zeusync/keeper/internal/core/observability/log"
	"github.com/zeusync/keeper/internal/core/observability/metrics"
)

// Record is the constraint for stored entities: the identity contract plus
// comparability, which concrete pointer types satisfy.
type Record interface {
	comparable
	models.Entity
}

// Options holds the optional collaborators of a Store.
type Options struct {
	// Creative makes Get create a missing entity instead of reporting a miss.
	Creative bool

	Logger  log.Log
	Bus     bus.EventBus
	Metrics *metrics.Collector
}

// Change is the payload of entity lifecycle events.
type Change struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

// SuggestThreshold is the minimum Jaro-Winkler similarity for Suggest.
const SuggestThreshold = 0.85

type Store[E Record] struct {
	kind    string
	factory models.Factory[E]

	mu        sync.RWMutex
	byID      map[string]E
	all       map[E]struct{}
	detaching map[E]struct{}
	alloc     *Allocator

	creative atomic.Bool

	logger  log.Log
	bus     bus.EventBus
	metrics *metrics.Collector
}

// New returns an empty store for one entity kind. factory default-constructs
// new members for Create and CreateWithID.
func New[E Record](kind string, factory models.Factory[E], opts Options) *Store[E] {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Store[E]{
		kind:      kind,
		factory:   factory,
		byID:      make(map[string]E),
		all:       make(map[E]struct{}),
		detaching: make(map[E]struct{}),
		alloc:     NewAllocator(),
		logger:    logger.With(log.String("component", "registry"), log.String("kind", kind)),
		bus:       opts.Bus,
		metrics:   opts.Metrics,
	}
	s.creative.Store(opts.Creative)
	return s
}

func (s *Store[E]) Kind() string { return s.kind }

func (s *Store[E]) Creative() bool { return s.creative.Load() }

func (s *Store[E]) SetCreative(creative bool) { s.creative.Store(creative) }

// Get returns the entity stored under key. A creative store creates and
// attaches a fresh entity on a miss.
func (s *Store[E]) Get(key string) (E, bool) {
	s.mu.RLock()
	e, ok := s.byID[key]
	s.mu.RUnlock()
	if ok || !s.creative.Load() || key == "" {
		return e, ok
	}

	s.mu.Lock()
	if e, ok = s.byID[key]; ok {
		s.mu.Unlock()
		return e, true
	}
	e, ok = s.createLocked(key)
	n := len(s.byID)
	s.mu.Unlock()

	s.afterCreate(key, ok, n)
	return e, ok
}

// Lookup returns the entity stored under key without the creative fallback.
func (s *Store[E]) Lookup(key string) (E, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[key]
	return e, ok
}

// Exists reports whether key is occupied. The empty key never exists.
func (s *Store[E]) Exists(key string) bool {
	if key == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[key]
	return ok
}

// BestMatch returns the entity whose key starts with prefix, ignoring case,
// and has the fewest extra characters. An exact match wins immediately; ties
// go to the lexicographically smaller key.
func (s *Store[E]) BestMatch(prefix string) (E, bool) {
	var zero E
	if prefix == "" {
		return zero, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := strings.ToLower(prefix)
	best, bestExtra := "", -1
	for _, key := range s.sortedKeysLocked() {
		folded := strings.ToLower(key)
		if !strings.HasPrefix(folded, lower) {
			continue
		}
		// Lowering may change the byte length of non-ASCII keys.
		extra := len(folded) - len(lower)
		if extra == 0 {
			return s.byID[key], true
		}
		if bestExtra < 0 || extra < bestExtra {
			best, bestExtra = key, extra
		}
	}
	if bestExtra < 0 {
		return zero, false
	}
	return s.byID[best], true
}

// Suggest returns the entity whose key is most similar to query by
// Jaro-Winkler distance, when the similarity reaches SuggestThreshold.
func (s *Store[E]) Suggest(query string) (E, bool) {
	var zero E
	if query == "" {
		return zero, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := strings.ToLower(query)
	best, bestScore := "", 0.0
	for _, key := range s.sortedKeysLocked() {
		score := matchr.JaroWinkler(lower, strings.ToLower(key), false)
		if score > bestScore {
			best, bestScore = key, score
		}
	}
	if bestScore < SuggestThreshold {
		return zero, false
	}
	return s.byID[best], true
}

// Create default-constructs an entity under a freshly allocated key.
func (s *Store[E]) Create() (E, bool) {
	s.mu.Lock()
	key := s.alloc.Next(s.isFreeLocked)
	e, ok := s.createLocked(key)
	n := len(s.byID)
	s.mu.Unlock()

	s.afterCreate(key, ok, n)
	return e, ok
}

// CreateWithID default-constructs an entity under key. It reports false when
// key is empty or already taken, or when the factory fails; of several
// concurrent calls for one key exactly one succeeds.
func (s *Store[E]) CreateWithID(key string) (E, bool) {
	var zero E
	if key == "" {
		return zero, false
	}

	s.mu.Lock()
	e, ok := s.createLocked(key)
	n := len(s.byID)
	s.mu.Unlock()

	s.afterCreate(key, ok, n)
	return e, ok
}

// createLocked requires s.mu held for writing.
func (s *Store[E]) createLocked(key string) (E, bool) {
	var zero E
	if _, taken := s.byID[key]; taken {
		s.metrics.IncOp(s.kind, "create", metrics.ResultConflict)
		return zero, false
	}

	if s.factory == nil {
		s.logger.Error("No factory configured", log.String("key", key))
		s.metrics.IncOp(s.kind, "create", metrics.ResultFailed)
		return zero, false
	}
	e, err := s.factory()
	if err == nil && e == zero {
		err = errNilEntity
	}
	if err != nil {
		s.logger.Error("Failed to instantiate entity", log.String("key", key), log.Error(err))
		s.metrics.IncOp(s.kind, "create", metrics.ResultFailed)
		return zero, false
	}

	e.SetID(key)
	s.byID[key] = e
	s.all[e] = struct{}{}
	s.alloc.Observe(key)
	s.metrics.IncOp(s.kind, "create", metrics.ResultOK)
	return e, true
}

func (s *Store[E]) afterCreate(key string, ok bool, n int) {
	if !ok {
		return
	}
	s.metrics.SetEntities(s.kind, n)
	s.publish(bus.TypeEntityCreated, key)
}

// Attach inserts e under a freshly allocated key. It does nothing when e
// already carries a key.
func (s *Store[E]) Attach(e E) {
	var zero E
	if e == zero || e.ID() != "" {
		return
	}

	s.mu.Lock()
	if _, ok := s.all[e]; ok {
		s.mu.Unlock()
		return
	}
	key := s.alloc.Next(s.isFreeLocked)
	e.SetID(key)
	s.byID[key] = e
	s.all[e] = struct{}{}
	n := len(s.byID)
	s.mu.Unlock()

	s.metrics.IncOp(s.kind, "attach", metrics.ResultOK)
	s.metrics.SetEntities(s.kind, n)
	s.publish(bus.TypeEntityAttached, key)
}

// Detach removes e. OnPreDetach runs while e is still attached and
// OnPostDetach after removal; both run without the store lock held, so hooks
// may use the store. Detaching an entity that is not attached, or is already
// being detached, does nothing.
func (s *Store[E]) Detach(e E) {
	var zero E
	if e == zero {
		return
	}

	s.mu.Lock()
	key := e.ID()
	cur, ok := s.byID[key]
	if !ok || cur != e {
		s.mu.Unlock()
		return
	}
	if _, busy := s.detaching[e]; busy {
		s.mu.Unlock()
		return
	}
	s.detaching[e] = struct{}{}
	s.mu.Unlock()

	e.OnPreDetach()

	s.mu.Lock()
	delete(s.detaching, e)
	removed := false
	if cur, ok := s.byID[key]; ok && cur == e {
		delete(s.byID, key)
		delete(s.all, e)
		removed = true
	}
	n := len(s.byID)
	s.mu.Unlock()

	if !removed {
		return
	}
	e.OnPostDetach()

	s.metrics.IncOp(s.kind, "detach", metrics.ResultOK)
	s.metrics.SetEntities(s.kind, n)
	s.publish(bus.TypeEntityDetached, key)
}

// DetachID detaches the entity stored under key, if any.
func (s *Store[E]) DetachID(key string) {
	s.mu.RLock()
	e, ok := s.byID[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.Detach(e)
}

func (s *Store[E]) IsAttached(e E) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.all[e]
	return ok
}

func (s *Store[E]) IsDetached(e E) bool {
	return !s.IsAttached(e)
}

// NextFreeID allocates a key without creating an entity.
func (s *Store[E]) NextFreeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alloc.Next(s.isFreeLocked)
}

func (s *Store[E]) IsFree(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isFreeLocked(key)
}

func (s *Store[E]) isFreeLocked(key string) bool {
	_, taken := s.byID[key]
	return !taken
}

func (s *Store[E]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// All returns the members ordered by key.
func (s *Store[E]) All() []E {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]E, 0, len(s.byID))
	for _, key := range s.sortedKeysLocked() {
		out = append(out, s.byID[key])
	}
	return out
}

// Keys returns the occupied keys in sorted order.
func (s *Store[E]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedKeysLocked()
}

// Snapshot copies the key to entity mapping.
func (s *Store[E]) Snapshot() map[string]E {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]E, len(s.byID))
	for k, e := range s.byID {
		out[k] = e
	}
	return out
}

// Replace swaps the whole content for entities, bypassing the create path.
// Each entity gets its map key as id and the allocator floor is recomputed.
func (s *Store[E]) Replace(entities map[string]E) {
	var zero E
	byID := make(map[string]E, len(entities))
	all := make(map[E]struct{}, len(entities))
	for key, e := range entities {
		if e == zero || key == "" {
			continue
		}
		e.SetID(key)
		byID[key] = e
		all[e] = struct{}{}
	}

	s.mu.Lock()
	s.byID = byID
	s.all = all
	s.alloc.Reset()
	for key := range byID {
		s.alloc.Observe(key)
	}
	s.mu.Unlock()

	s.metrics.SetEntities(s.kind, len(byID))
}

// Floor exposes the allocator counter.
func (s *Store[E]) Floor() int {
	return s.alloc.Floor()
}

func (s *Store[E]) sortedKeysLocked() []string {
	keys := make([]string, 0, len(s.byID))
	for k := range s.byID {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store[E]) publish(typ, key string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(bus.NewEvent(typ, s.kind, Change{Kind: s.kind, Key: key})); err != nil {
		s.logger.Warn("Event handler failed", log.String("event", typ), log.Error(err))
	}
}
