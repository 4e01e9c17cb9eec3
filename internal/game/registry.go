// Package game wires the player and faction stores of one server.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/migration"
	"github.com/zeusync/keeper/internal/core/observability/log"
	"github.com/zeusync/keeper/internal/core/observability/metrics"
	"github.com/zeusync/keeper/internal/core/registry"
	"github.com/zeusync/keeper/internal/core/storage"
)

const (
	KindPlayers  = "players"
	KindFactions = "factions"
)

var (
	ErrUnknownKind   = errors.New("game: unknown kind")
	ErrNotFound      = errors.New("game: not found")
	ErrAlreadyMember = errors.New("game: player already has a faction")
	ErrNotInvited    = errors.New("game: player is not invited")

	ErrInvalidPlayerID = errors.New("game: player id is not a canonical uuid")
)

type Options struct {
	DataDir string
	Indent  bool
	// Resolver enables legacy player key conversion when set.
	Resolver migration.Resolver
	Mirror   storage.Mirror

	Logger  log.Log
	Bus     bus.EventBus
	Metrics *metrics.Collector
}

// StoreInfo summarizes one store for status endpoints.
type StoreInfo struct {
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	Entities int    `json:"entities"`
	Floor    int    `json:"next_id"`
	Creative bool   `json:"creative"`
	Saving   bool   `json:"saving"`
}

// Registry holds every store of the server. It is built once at startup and
// passed to whoever needs it.
type Registry struct {
	Players  *registry.Store[*Player]
	Factions *registry.Store[*Faction]

	players  *storage.Engine[*Player]
	factions *storage.Engine[*Faction]
	pass     *migration.Pass[*Player]

	// mu guards player and faction fields. Writers take it exclusively;
	// saves and lookups hold it shared while they read or encode entities.
	mu sync.RWMutex

	logger log.Log
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	r := &Registry{logger: logger.With(log.String("component", "game"))}

	storeOpts := func(creative bool) registry.Options {
		return registry.Options{Creative: creative, Logger: logger, Bus: opts.Bus, Metrics: opts.Metrics}
	}
	newFaction := func() (*Faction, error) {
		return &Faction{disband: r.releaseMembers}, nil
	}

	r.Players = registry.New[*Player](KindPlayers, NewPlayer, storeOpts(true))
	r.Factions = registry.New[*Faction](KindFactions, newFaction, storeOpts(false))

	playerPath := filepath.Join(opts.DataDir, KindPlayers+".json")
	playerCodec := storage.NewCodec[*Player](NewPlayer, opts.Indent)

	var migrator storage.Migrator[*Player]
	if opts.Resolver != nil {
		r.pass = migration.NewPass(migration.Options[*Player]{
			Kind:     KindPlayers,
			Path:     playerPath,
			Codec:    playerCodec,
			Resolver: opts.Resolver,
			Logger:   logger,
			Bus:      opts.Bus,
			Metrics:  opts.Metrics,
		})
		migrator = r.pass
	}

	r.players = storage.NewEngine(r.Players, storage.Options[*Player]{
		Path:     playerPath,
		Codec:    playerCodec,
		Migrator: migrator,
		Mirror:   opts.Mirror,
		Logger:   logger,
		Bus:      opts.Bus,
		Metrics:  opts.Metrics,
	})
	r.factions = storage.NewEngine(r.Factions, storage.Options[*Faction]{
		Path:    filepath.Join(opts.DataDir, KindFactions+".json"),
		Codec:   storage.NewCodec[*Faction](newFaction, opts.Indent),
		Mirror:  opts.Mirror,
		Logger:  logger,
		Bus:     opts.Bus,
		Metrics: opts.Metrics,
	})
	return r
}

// LoadAll loads every store concurrently. The first failure cancels the
// others.
func (r *Registry) LoadAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.players.Load(ctx) })
	g.Go(func() error { return r.factions.Load(ctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("game: load: %w", err)
	}
	r.logger.Info("Registry loaded",
		log.Int(KindPlayers, r.Players.Len()),
		log.Int(KindFactions, r.Factions.Len()))
	return nil
}

// SaveAll saves every store and joins their errors. Entity fields are read
// under the registry read lock.
func (r *Registry) SaveAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	errs := make([]error, 2)
	var g errgroup.Group
	g.Go(func() error {
		errs[0] = r.players.Save(ctx)
		return nil
	})
	g.Go(func() error {
		errs[1] = r.factions.Save(ctx)
		return nil
	})
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Registry) Stores() []StoreInfo {
	return []StoreInfo{
		storeInfo(r.factions),
		storeInfo(r.players),
	}
}

func storeInfo[E registry.Record](e *storage.Engine[E]) StoreInfo {
	s := e.Store()
	return StoreInfo{
		Kind:     s.Kind(),
		Path:     e.Path(),
		Entities: s.Len(),
		Floor:    s.Floor(),
		Creative: s.Creative(),
		Saving:   e.Saving(),
	}
}

// Entry is an entity encoded while the registry was locked.
type Entry struct {
	Kind   string          `json:"kind"`
	ID     string          `json:"id"`
	Entity json.RawMessage `json:"entity"`
}

// Lookup finds an entity of kind by exact key, or by best prefix match when
// match is set. It never creates players.
func (r *Registry) Lookup(kind, key string, match bool) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch kind {
	case KindPlayers:
		return find(r.Players, key, match)
	case KindFactions:
		return find(r.Factions, key, match)
	default:
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func find[E registry.Record](s *registry.Store[E], key string, match bool) (Entry, error) {
	var (
		e  E
		ok bool
	)
	if match {
		e, ok = s.BestMatch(key)
	} else {
		e, ok = s.Lookup(key)
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s %q", ErrNotFound, s.Kind(), key)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("game: encode %s %q: %w", s.Kind(), e.ID(), err)
	}
	return Entry{Kind: s.Kind(), ID: e.ID(), Entity: body}, nil
}

// MigrationReport returns the audit of the last player key conversion.
func (r *Registry) MigrationReport() (migration.Report, bool) {
	if r.pass == nil {
		return migration.Report{}, false
	}
	return r.pass.LastReport()
}

// Modify runs fn with the registry write lock held. Code that changes player
// or faction fields outside the registry methods goes through it.
func (r *Registry) Modify(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// CreateFaction allocates a new faction with the given tag.
func (r *Registry) CreateFaction(tag string) (*Faction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.Factions.Create()
	if !ok {
		return nil, fmt.Errorf("game: create faction %q failed", tag)
	}
	f.Tag = tag
	return f, nil
}

// Invite lets a player join a closed faction.
func (r *Registry) Invite(factionID, playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.Factions.Lookup(factionID)
	if !ok {
		return fmt.Errorf("%w: faction %q", ErrNotFound, factionID)
	}
	f.Invite(playerID)
	return nil
}

// Join puts a player into a faction. Closed factions need an invite. Only
// canonical player ids are accepted, so the creative store never keys a
// player by a name.
func (r *Registry) Join(playerID, factionID string) error {
	if !migration.IsCanonical(playerID) {
		return fmt.Errorf("%w: %q", ErrInvalidPlayerID, playerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.Factions.Lookup(factionID)
	if !ok {
		return fmt.Errorf("%w: faction %q", ErrNotFound, factionID)
	}
	p, ok := r.Players.Get(playerID)
	if !ok {
		return fmt.Errorf("%w: player %q", ErrNotFound, playerID)
	}
	if p.HasFaction() {
		return ErrAlreadyMember
	}
	if !f.Open && !f.Invited(playerID) {
		return ErrNotInvited
	}
	p.FactionID = factionID
	return nil
}

func (r *Registry) Leave(playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.Players.Lookup(playerID); ok {
		p.FactionID = ""
	}
}

// Members returns the ids of a faction's players in order.
func (r *Registry) Members(factionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, p := range r.Players.All() {
		if p.FactionID == factionID {
			out = append(out, p.ID())
		}
	}
	return out
}

// Disband detaches a faction; its members become factionless.
func (r *Registry) Disband(factionID string) bool {
	f, ok := r.Factions.Lookup(factionID)
	if !ok {
		return false
	}
	r.Factions.Detach(f)
	return r.Factions.IsDetached(f)
}

func (r *Registry) releaseMembers(f *Faction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for _, p := range r.Players.All() {
		if p.FactionID == f.ID() {
			p.FactionID = ""
			released++
		}
	}
	r.logger.Info("Faction disbanded",
		log.String("faction", f.ID()),
		log.String("tag", f.Tag),
		log.Int("released", released))
}
