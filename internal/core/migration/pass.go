// Package migration rewrites legacy name keys of a store file into UUID keys.
//
// A Pass runs once per load, between decoding and the store swap. It scans the
// keys and either returns the mapping unchanged or converts it: it backs the
// data up, resolves names through a Resolver, rekeys the resolved entities,
// drops everything else and writes the result back to the data file. Running
// it again over converted data makes no resolver calls.
package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/observability/log"
	"github.com/zeusync/keeper/internal/core/observability/metrics"
	"github.com/zeusync/keeper/internal/core/registry"
	"github.com/zeusync/keeper/internal/core/storage"
)

// BackupSuffix names the one-time copy written before conversion.
const BackupSuffix = ".old"

// Resolver maps account names to canonical ids. Names missing from the result
// are unresolvable. On error the returned map may still hold partial results.
type Resolver interface {
	Resolve(ctx context.Context, names []string) (map[string]string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, names []string) (map[string]string, error)

func (f ResolverFunc) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	return f(ctx, names)
}

// Report is the audit record of one pass.
type Report struct {
	Kind string `json:"kind"`
	// Converted maps each legacy key to the id it was rekeyed to.
	Converted map[string]string `json:"converted,omitempty"`
	// Invalid lists dropped keys: malformed, unresolved or colliding ones.
	Invalid    []string      `json:"invalid,omitempty"`
	Canonical  int           `json:"canonical"`
	BackupPath string        `json:"backup_path,omitempty"`
	Persisted  bool          `json:"persisted"`
	Skipped    bool          `json:"skipped"`
	ResolveErr string        `json:"resolve_error,omitempty"`
	Took       time.Duration `json:"took"`
}

type Options[E registry.Record] struct {
	Kind string
	// Path is the data file; the backup goes next to it.
	Path     string
	Codec    *storage.Codec[E]
	Resolver Resolver

	Logger  log.Log
	Bus     bus.EventBus
	Metrics *metrics.Collector
}

// Pass implements storage.Migrator.
type Pass[E registry.Record] struct {
	kind     string
	path     string
	codec    *storage.Codec[E]
	resolver Resolver

	last atomic.Pointer[Report]

	logger  log.Log
	bus     bus.EventBus
	metrics *metrics.Collector
}

func NewPass[E registry.Record](opts Options[E]) *Pass[E] {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pass[E]{
		kind:     opts.Kind,
		path:     opts.Path,
		codec:    opts.Codec,
		resolver: opts.Resolver,
		logger:   logger.With(log.String("component", "migration"), log.String("kind", opts.Kind)),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
	}
}

// BackupPath returns where the pre-conversion copy of the data file lives.
func (p *Pass[E]) BackupPath() string { return p.path + BackupSuffix }

// LastReport returns the report of the most recent run.
func (p *Pass[E]) LastReport() (Report, bool) {
	r := p.last.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Migrate converts legacy keys. The returned error is non-nil only when ctx
// ends during conversion; the input is then returned unchanged and the data
// file is left as it was.
func (p *Pass[E]) Migrate(ctx context.Context, entities map[string]E) (map[string]E, error) {
	start := time.Now()
	keys := make([]string, 0, len(entities))
	for key := range entities {
		keys = append(keys, key)
	}
	part := Scan(keys)

	if part.NothingToDo() {
		p.logger.Debug("No legacy keys found", log.Int("canonical", len(part.Canonical)))
		p.finish(&Report{Kind: p.kind, Canonical: len(part.Canonical), Skipped: true, Took: time.Since(start)})
		return entities, nil
	}
	return p.convert(ctx, entities, part, start)
}

func (p *Pass[E]) convert(ctx context.Context, entities map[string]E, part Partition, start time.Time) (map[string]E, error) {
	report := &Report{Kind: p.kind, Canonical: len(part.Canonical)}
	p.logger.Info("Converting legacy keys, this may take a while",
		log.Int("legacy", len(part.Convertible)),
		log.Int("invalid", len(part.Invalid)))

	backup, err := p.backup(entities)
	if err != nil {
		p.logger.Error("Failed to back up data, conversion postponed", log.Error(err))
		report.Skipped = true
		report.Took = time.Since(start)
		p.finish(report)
		return entities, nil
	}
	report.BackupPath = backup

	var resolved map[string]string
	if p.resolver == nil {
		err = errors.New("migration: no resolver configured")
	} else {
		resolved, err = p.resolver.Resolve(ctx, part.Convertible)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		p.logger.Warn("Conversion interrupted", log.Error(ctxErr))
		return entities, fmt.Errorf("migration: %s: %w", p.kind, ctxErr)
	}
	if err != nil {
		report.ResolveErr = err.Error()
		p.logger.Warn("Resolver failed, keeping partial results",
			log.Int("resolved", len(resolved)),
			log.Error(err))
	}

	out, converted, invalid := p.rekey(entities, part, resolved)
	report.Converted = converted
	report.Invalid = invalid

	if len(invalid) > 0 {
		p.logger.Info("Dropped keys that are not convertible",
			log.Int("count", len(invalid)),
			log.Strings("keys", invalid))
	}

	if err := p.persist(out); err != nil {
		p.logger.Error("Failed to write converted data", log.Error(err))
	} else {
		report.Persisted = true
	}

	report.Took = time.Since(start)
	p.logger.Info("Done converting legacy keys",
		log.Int("converted", len(converted)),
		log.Int("dropped", len(invalid)),
		log.Duration("took", report.Took))
	p.finish(report)
	return out, nil
}

// rekey builds the converted mapping. Existing canonical keys win over a
// legacy key resolving to the same id.
func (p *Pass[E]) rekey(entities map[string]E, part Partition, resolved map[string]string) (map[string]E, map[string]string, []string) {
	folded := make(map[string]string, len(resolved))
	for name, id := range resolved {
		folded[strings.ToLower(name)] = id
	}

	out := make(map[string]E, len(entities))
	for _, key := range part.Canonical {
		out[key] = entities[key]
	}

	converted := make(map[string]string)
	invalid := append([]string(nil), part.Invalid...)
	for _, name := range part.Convertible {
		id, ok := resolved[name]
		if !ok {
			id, ok = folded[strings.ToLower(name)]
		}
		if ok {
			id, ok = normalize(id)
		}
		if !ok {
			invalid = append(invalid, name)
			continue
		}
		if _, taken := out[id]; taken {
			p.logger.Warn("Legacy key collides with an existing id",
				log.String("key", name),
				log.String("id", id))
			invalid = append(invalid, name)
			continue
		}
		e := entities[name]
		e.SetID(id)
		out[id] = e
		converted[name] = id
	}
	sort.Strings(invalid)
	return out, converted, invalid
}

// backup writes the unconverted data next to the data file unless a backup
// already exists.
func (p *Pass[E]) backup(entities map[string]E) (string, error) {
	path := p.BackupPath()
	if _, err := os.Stat(path); err == nil {
		p.logger.Info("Keeping existing backup", log.String("backup", path))
		return path, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("migration: stat backup %q: %w", path, err)
	}

	data, err := p.codec.Encode(entities)
	if err != nil {
		return "", fmt.Errorf("migration: encode backup: %w", err)
	}
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	p.logger.Info("Backed up old data", log.String("backup", path))
	return path, nil
}

func (p *Pass[E]) persist(entities map[string]E) error {
	data, err := p.codec.Encode(entities)
	if err != nil {
		return fmt.Errorf("migration: encode: %w", err)
	}
	return storage.WriteFileAtomic(p.path, data, 0o644)
}

func (p *Pass[E]) finish(r *Report) {
	p.last.Store(r)
	p.metrics.AddMigrated(p.kind, len(r.Converted), len(r.Invalid))
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(bus.NewEvent(bus.TypeMigrationCompleted, p.kind, *r)); err != nil {
		p.logger.Warn("Event handler failed", log.String("event", bus.TypeMigrationCompleted), log.Error(err))
	}
}
