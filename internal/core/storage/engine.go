// Package storage persists a registry store as one JSON object file.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/observability/log"
	"github.com/zeusync/keeper/internal/core/observability/metrics"
	"github.com/zeusync/keeper/internal/core/registry"
)

// Migrator rewrites freshly decoded entities before they reach the store.
type Migrator[E registry.Record] interface {
	Migrate(ctx context.Context, entities map[string]E) (map[string]E, error)
}

// Mirror receives a copy of every snapshot written to disk.
type Mirror interface {
	Put(ctx context.Context, bucket string, payload []byte) error
}

// Options configures an Engine. Path and Codec are required.
type Options[E registry.Record] struct {
	Path  string
	Codec *Codec[E]

	// Migrator is set only for kinds whose files may hold legacy keys.
	Migrator Migrator[E]
	Mirror   Mirror

	Logger  log.Log
	Bus     bus.EventBus
	Metrics *metrics.Collector
}

// SnapshotInfo is the payload of store.loaded, store.saved and
// store.quarantined events.
type SnapshotInfo struct {
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	Entities int    `json:"entities"`
	Bytes    int    `json:"bytes,omitempty"`
}

type Engine[E registry.Record] struct {
	store    *registry.Store[E]
	path     string
	codec    *Codec[E]
	migrator Migrator[E]
	mirror   Mirror

	saving  atomic.Bool
	hasSum  atomic.Bool
	lastSum atomic.Uint64

	logger  log.Log
	bus     bus.EventBus
	metrics *metrics.Collector
}

func NewEngine[E registry.Record](store *registry.Store[E], opts Options[E]) *Engine[E] {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine[E]{
		store:    store,
		path:     opts.Path,
		codec:    opts.Codec,
		migrator: opts.Migrator,
		mirror:   opts.Mirror,
		logger: logger.With(
			log.String("component", "storage"),
			log.String("kind", store.Kind()),
			log.String("path", opts.Path),
		),
		bus:     opts.Bus,
		metrics: opts.Metrics,
	}
}

func (e *Engine[E]) Path() string { return e.path }

func (e *Engine[E]) Store() *registry.Store[E] { return e.store }

// Saving reports whether a save is in flight.
func (e *Engine[E]) Saving() bool { return e.saving.Load() }

// Save writes every entity whose ShouldPersist is true. A call made while
// another save is in flight returns nil at once: the running save already
// covers recent state. An unchanged snapshot is not rewritten.
func (e *Engine[E]) Save(ctx context.Context) error {
	kind := e.store.Kind()
	if !e.saving.CompareAndSwap(false, true) {
		e.logger.Debug("Save already in flight")
		e.metrics.IncOp(kind, "save", metrics.ResultSkipped)
		return nil
	}
	defer e.saving.Store(false)

	start := time.Now()
	defer func() { e.metrics.ObserveDuration(kind, "save", time.Since(start)) }()

	snapshot := e.store.Snapshot()
	persist := make(map[string]E, len(snapshot))
	for key, ent := range snapshot {
		if ent.ShouldPersist() {
			persist[key] = ent
		}
	}

	data, err := e.codec.Encode(persist)
	if err != nil {
		e.logger.Error("Failed to encode snapshot", log.Error(err))
		e.metrics.IncOp(kind, "save", metrics.ResultFailed)
		return fmt.Errorf("storage: encode %s: %w", kind, err)
	}

	sum := xxhash.Sum64(data)
	if e.hasSum.Load() && e.lastSum.Load() == sum && fileExists(e.path) {
		e.metrics.IncOp(kind, "save", metrics.ResultSkipped)
		return nil
	}

	if err := WriteFileAtomic(e.path, data, 0o644); err != nil {
		e.logger.Error("Failed to write snapshot", log.Error(err))
		e.metrics.IncOp(kind, "save", metrics.ResultFailed)
		return err
	}
	e.lastSum.Store(sum)
	e.hasSum.Store(true)

	if e.mirror != nil {
		if err := e.mirror.Put(ctx, kind, data); err != nil {
			e.logger.Warn("Failed to mirror snapshot", log.Error(err))
		}
	}

	e.logger.Debug("Snapshot saved",
		log.Int("entities", len(persist)),
		log.Int("bytes", len(data)),
		log.Uint64("checksum", sum),
		log.Duration("took", time.Since(start)))
	e.metrics.IncOp(kind, "save", metrics.ResultOK)
	e.publish(bus.TypeStoreSaved, SnapshotInfo{Kind: kind, Path: e.path, Entities: len(persist), Bytes: len(data)})
	return nil
}

// Load replaces the store content with the file content. A missing file
// yields an empty store. On any failure the store keeps its previous content;
// a file that does not parse is quarantined and the error wraps ErrCorrupt.
//
// Load is meant for startup and must not run concurrently with itself.
func (e *Engine[E]) Load(ctx context.Context) error {
	kind := e.store.Kind()
	start := time.Now()
	defer func() { e.metrics.ObserveDuration(kind, "load", time.Since(start)) }()

	data, err := os.ReadFile(e.path)
	if errors.Is(err, fs.ErrNotExist) {
		e.store.Replace(map[string]E{})
		e.hasSum.Store(false)
		e.logger.Info("No data file yet, starting empty")
		e.metrics.IncOp(kind, "load", metrics.ResultOK)
		e.publish(bus.TypeStoreLoaded, SnapshotInfo{Kind: kind, Path: e.path})
		return nil
	}
	if err != nil {
		e.logger.Error("Failed to read data file", log.Error(err))
		e.metrics.IncOp(kind, "load", metrics.ResultFailed)
		return fmt.Errorf("storage: read %q: %w", e.path, err)
	}

	entities, err := e.codec.Decode(data)
	if err != nil {
		e.metrics.IncOp(kind, "load", metrics.ResultFailed)
		if !errors.Is(err, ErrCorrupt) {
			e.logger.Error("Failed to decode data file", log.Error(err))
			return err
		}

		e.logger.Warn("JSON error encountered loading data file", log.Error(err))
		bad, qerr := Quarantine(e.path)
		if qerr != nil {
			e.logger.Error("Failed to quarantine bad file", log.Error(qerr))
			return errors.Join(err, qerr)
		}
		e.logger.Warn("Moved bad file aside", log.String("quarantine", bad))
		e.publish(bus.TypeStoreQuarantined, SnapshotInfo{Kind: kind, Path: bad, Bytes: len(data)})
		return err
	}

	if e.migrator != nil {
		entities, err = e.migrator.Migrate(ctx, entities)
		if err != nil {
			e.logger.Error("Migration failed", log.Error(err))
			e.metrics.IncOp(kind, "load", metrics.ResultFailed)
			return fmt.Errorf("storage: migrate %s: %w", kind, err)
		}
	}

	e.store.Replace(entities)
	e.hasSum.Store(false)

	e.logger.Info("Data file loaded",
		log.Int("entities", len(entities)),
		log.Duration("took", time.Since(start)))
	e.metrics.IncOp(kind, "load", metrics.ResultOK)
	e.publish(bus.TypeStoreLoaded, SnapshotInfo{Kind: kind, Path: e.path, Entities: len(entities), Bytes: len(data)})
	return nil
}

func (e *Engine[E]) publish(typ string, info SnapshotInfo) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(bus.NewEvent(typ, info.Kind, info)); err != nil {
		e.logger.Warn("Event handler failed", log.String("event", typ), log.Error(err))
	}
}
