package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/models"
	"github.com/zeusync/keeper/internal/core/registry"
)

type board struct {
	models.Identity
	Title  string   `json:"title"`
	Owners []string `json:"owners,omitempty"`
	Power  int      `json:"power"`

	scratch bool
}

func (b *board) ShouldPersist() bool { return !b.scratch }

func newBoard() (*board, error) { return &board{Power: 10}, nil }

type fakeMirror struct {
	mu   sync.Mutex
	puts map[string][][]byte
}

func (m *fakeMirror) Put(_ context.Context, bucket string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.puts == nil {
		m.puts = make(map[string][][]byte)
	}
	m.puts[bucket] = append(m.puts[bucket], payload)
	return nil
}

type renameMigrator struct {
	calls int
}

func (m *renameMigrator) Migrate(_ context.Context, in map[string]*board) (map[string]*board, error) {
	m.calls++
	out := make(map[string]*board, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out, nil
}

func newEngine(t *testing.T, path string, opts Options[*board]) (*registry.Store[*board], *Engine[*board]) {
	t.Helper()
	store := registry.New[*board]("boards", newBoard, registry.Options{})
	opts.Path = path
	if opts.Codec == nil {
		opts.Codec = NewCodec[*board](newBoard, false)
	}
	return store, NewEngine(store, opts)
}

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "boards.json")

	store, engine := newEngine(t, path, Options[*board]{})
	a, _ := store.CreateWithID("3")
	a.Title = "north"
	a.Owners = []string{"x", "y"}
	b, _ := store.Create()
	b.Title = "south"
	c, _ := store.CreateWithID("alice")
	c.Power = 99
	tmp, _ := store.CreateWithID("scratch")
	tmp.scratch = true

	require.NoError(t, engine.Save(ctx))

	reloaded, engine2 := newEngine(t, path, Options[*board]{})
	require.NoError(t, engine2.Load(ctx))

	require.Equal(t, []string{"3", "4", "alice"}, reloaded.Keys())
	for _, key := range reloaded.Keys() {
		want, _ := store.Get(key)
		got, ok := reloaded.Get(key)
		require.True(t, ok)
		require.Equal(t, key, got.ID())
		require.Equal(t, want.Title, got.Title)
		require.Equal(t, want.Owners, got.Owners)
		require.Equal(t, want.Power, got.Power)
	}
	require.False(t, reloaded.Exists("scratch"))
	require.Equal(t, 5, reloaded.Floor())
}

func TestEngine_LoadMissingFile(t *testing.T) {
	store, engine := newEngine(t, filepath.Join(t.TempDir(), "none.json"), Options[*board]{})
	store.CreateWithID("stale")

	require.NoError(t, engine.Load(context.Background()))
	require.Equal(t, 0, store.Len())
	require.Equal(t, 1, store.Floor())
}

func TestEngine_DefaultsSurviveMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boards.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"1":{"title":"t"}}`), 0o644))

	store, engine := newEngine(t, path, Options[*board]{})
	require.NoError(t, engine.Load(context.Background()))

	got, ok := store.Get("1")
	require.True(t, ok)
	require.Equal(t, "t", got.Title)
	require.Equal(t, 10, got.Power)
}

func TestEngine_CorruptFile(t *testing.T) {
	cases := map[string]string{
		"Invalid JSON":    `{"1": {"title": `,
		"Not An Object":   `[1, 2, 3]`,
		"Bad Entity Body": `{"1": {"power": "lots"}}`,
		"Null Document":   `null`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "boards.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			b := bus.New()
			var quarantined []SnapshotInfo
			_, err := b.Subscribe(bus.TypeStoreQuarantined, func(e bus.Event) error {
				quarantined = append(quarantined, e.Data().(SnapshotInfo))
				return nil
			})
			require.NoError(t, err)

			store, engine := newEngine(t, path, Options[*board]{Bus: b})
			kept, _ := store.CreateWithID("kept")

			err = engine.Load(context.Background())
			require.ErrorIs(t, err, ErrCorrupt)

			_, statErr := os.Stat(path)
			require.True(t, os.IsNotExist(statErr))
			bad, readErr := os.ReadFile(path + QuarantineSuffix)
			require.NoError(t, readErr)
			require.Equal(t, content, string(bad))

			got, ok := store.Get("kept")
			require.True(t, ok)
			require.Same(t, kept, got)
			require.Equal(t, 1, store.Len())
			require.Len(t, quarantined, 1)
		})
	}

	t.Run("Last Failure Wins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "boards.json")
		_, engine := newEngine(t, path, Options[*board]{})

		require.NoError(t, os.WriteFile(path, []byte("first"), 0o644))
		require.ErrorIs(t, engine.Load(context.Background()), ErrCorrupt)
		require.NoError(t, os.WriteFile(path, []byte("second"), 0o644))
		require.ErrorIs(t, engine.Load(context.Background()), ErrCorrupt)

		bad, err := os.ReadFile(path + QuarantineSuffix)
		require.NoError(t, err)
		require.Equal(t, "second", string(bad))
	})
}

func TestEngine_ReadFailureLeavesStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boards.json")
	require.NoError(t, os.Mkdir(path, 0o755))

	store, engine := newEngine(t, path, Options[*board]{})
	store.CreateWithID("kept")

	err := engine.Load(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrCorrupt))
	require.True(t, store.Exists("kept"))
	_, statErr := os.Stat(path + QuarantineSuffix)
	require.True(t, os.IsNotExist(statErr))
}

func TestEngine_FactoryFailureIsNotCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boards.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"1":{}}`), 0o644))

	failing := func() (*board, error) { return nil, errors.New("no defaults") }
	_, engine := newEngine(t, path, Options[*board]{Codec: NewCodec[*board](failing, false)})

	err := engine.Load(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrCorrupt))
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestEngine_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("Overlapping Save Returns Immediately", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "boards.json")
		store, engine := newEngine(t, path, Options[*board]{})
		store.Create()

		engine.saving.Store(true)
		require.NoError(t, engine.Save(ctx))
		_, err := os.Stat(path)
		require.True(t, os.IsNotExist(err))

		engine.saving.Store(false)
		require.NoError(t, engine.Save(ctx))
		require.False(t, engine.Saving())
		_, err = os.Stat(path)
		require.NoError(t, err)
	})

	t.Run("Unchanged Snapshot Is Not Rewritten", func(t *testing.T) {
		mirror := &fakeMirror{}
		path := filepath.Join(t.TempDir(), "boards.json")
		store, engine := newEngine(t, path, Options[*board]{Mirror: mirror})
		e, _ := store.Create()

		require.NoError(t, engine.Save(ctx))
		require.NoError(t, engine.Save(ctx))
		require.Len(t, mirror.puts["boards"], 1)

		e.Title = "changed"
		require.NoError(t, engine.Save(ctx))
		require.Len(t, mirror.puts["boards"], 2)

		require.NoError(t, os.Remove(path))
		require.NoError(t, engine.Save(ctx))
		require.Len(t, mirror.puts["boards"], 3)
	})

	t.Run("Write Failure", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0o644))

		store, engine := newEngine(t, filepath.Join(blocker, "boards.json"), Options[*board]{})
		store.Create()
		require.Error(t, engine.Save(ctx))
		require.False(t, engine.Saving())
	})

	t.Run("Concurrent Saves Leave A Valid File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "boards.json")
		store, engine := newEngine(t, path, Options[*board]{Codec: NewCodec[*board](newBoard, true)})
		for i := 0; i < 50; i++ {
			store.Create()
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = engine.Save(ctx)
			}()
		}
		wg.Wait()
		require.NoError(t, engine.Save(ctx))

		reloaded, engine2 := newEngine(t, path, Options[*board]{})
		require.NoError(t, engine2.Load(ctx))
		require.Equal(t, 50, reloaded.Len())
	})
}

func TestEngine_MigratorRunsBeforeReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boards.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"abc":{"title":"x"}}`), 0o644))

	m := &renameMigrator{}
	store, engine := newEngine(t, path, Options[*board]{Migrator: m})
	require.NoError(t, engine.Load(context.Background()))

	require.Equal(t, 1, m.calls)
	got, ok := store.Get("ABC")
	require.True(t, ok)
	require.Equal(t, "ABC", got.ID())
	require.False(t, store.Exists("abc"))
}
