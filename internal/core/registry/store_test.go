package registry

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/models"
)

type testEntity struct {
	models.Identity
	Name string `json:"name"`

	pre, post int
	onPre     func()
}

func (e *testEntity) OnPreDetach() {
	e.pre++
	if e.onPre != nil {
		e.onPre()
	}
}

func (e *testEntity) OnPostDetach() { e.post++ }

func newTestEntity() (*testEntity, error) { return &testEntity{}, nil }

func newTestStore(opts Options) *Store[*testEntity] {
	return New[*testEntity]("things", newTestEntity, opts)
}

func requireConsistent(t *testing.T, s *Store[*testEntity]) {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Equal(t, len(s.byID), len(s.all))
	for e := range s.all {
		require.Same(t, e, s.byID[e.ID()])
	}
}

func TestStore_Create(t *testing.T) {
	t.Run("Allocates Sequential Keys", func(t *testing.T) {
		s := newTestStore(Options{})
		a, ok := s.Create()
		require.True(t, ok)
		b, ok := s.Create()
		require.True(t, ok)

		require.Equal(t, "1", a.ID())
		require.Equal(t, "2", b.ID())
		require.Equal(t, 2, s.Len())
		requireConsistent(t, s)
	})

	t.Run("Explicit Key Advances Allocator", func(t *testing.T) {
		s := newTestStore(Options{})
		_, ok := s.CreateWithID("10")
		require.True(t, ok)

		e, ok := s.Create()
		require.True(t, ok)
		require.Equal(t, "11", e.ID())
	})

	t.Run("Conflict Leaves State Untouched", func(t *testing.T) {
		s := newTestStore(Options{})
		first, ok := s.CreateWithID("alpha")
		require.True(t, ok)

		again, ok := s.CreateWithID("alpha")
		require.False(t, ok)
		require.Nil(t, again)

		got, ok := s.Get("alpha")
		require.True(t, ok)
		require.Same(t, first, got)
		require.Equal(t, 1, s.Len())
	})

	t.Run("Empty Key Is Rejected", func(t *testing.T) {
		s := newTestStore(Options{})
		_, ok := s.CreateWithID("")
		require.False(t, ok)
	})

	t.Run("Factory Failure Reports Absent", func(t *testing.T) {
		s := New[*testEntity]("broken", func() (*testEntity, error) {
			return nil, errors.New("no defaults")
		}, Options{})

		e, ok := s.Create()
		require.False(t, ok)
		require.Nil(t, e)
		require.Equal(t, 0, s.Len())
	})

	t.Run("Nil Factory Result Reports Absent", func(t *testing.T) {
		s := New[*testEntity]("nil", func() (*testEntity, error) { return nil, nil }, Options{})
		_, ok := s.CreateWithID("x")
		require.False(t, ok)
	})

	t.Run("No Reuse After Detach", func(t *testing.T) {
		s := newTestStore(Options{})
		_, _ = s.Create()
		second, _ := s.Create()
		s.Detach(second)

		third, ok := s.Create()
		require.True(t, ok)
		require.Equal(t, "3", third.ID())
	})
}

func TestStore_ConcurrentCreateWithID(t *testing.T) {
	s := newTestStore(Options{})
	const k = 64

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := s.CreateWithID("5"); ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, 1, s.Len())
	require.True(t, s.Exists("5"))
	requireConsistent(t, s)
}

func TestStore_ConcurrentCreateIsUnique(t *testing.T) {
	s := newTestStore(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				switch j % 3 {
				case 0:
					s.Create()
				case 1:
					s.CreateWithID(strconv.Itoa(i*100 + j))
				default:
					s.Attach(&testEntity{})
				}
			}
		}(i)
	}
	wg.Wait()

	requireConsistent(t, s)
	seen := make(map[string]struct{})
	for _, e := range s.All() {
		_, dup := seen[e.ID()]
		require.False(t, dup)
		seen[e.ID()] = struct{}{}
	}
}

func TestStore_Get(t *testing.T) {
	t.Run("Miss On Plain Store", func(t *testing.T) {
		s := newTestStore(Options{})
		e, ok := s.Get("newkey")
		require.False(t, ok)
		require.Nil(t, e)
		require.False(t, s.Exists("newkey"))
	})

	t.Run("Creative Fallback", func(t *testing.T) {
		s := newTestStore(Options{Creative: true})
		e, ok := s.Get("newkey")
		require.True(t, ok)
		require.Equal(t, "newkey", e.ID())
		require.True(t, s.Exists("newkey"))

		again, ok := s.Get("newkey")
		require.True(t, ok)
		require.Same(t, e, again)
	})

	t.Run("Lookup Never Creates", func(t *testing.T) {
		s := newTestStore(Options{Creative: true})
		_, ok := s.Lookup("ghost")
		require.False(t, ok)
		require.Equal(t, 0, s.Len())

		e, _ := s.Get("ghost")
		got, ok := s.Lookup("ghost")
		require.True(t, ok)
		require.Same(t, e, got)
	})

	t.Run("Creative Toggle", func(t *testing.T) {
		s := newTestStore(Options{})
		s.SetCreative(true)
		require.True(t, s.Creative())
		_, ok := s.Get("x")
		require.True(t, ok)

		s.SetCreative(false)
		_, ok = s.Get("y")
		require.False(t, ok)
	})

	t.Run("Exists Rejects Empty Key", func(t *testing.T) {
		s := newTestStore(Options{Creative: true})
		require.False(t, s.Exists(""))
		_, ok := s.Get("")
		require.False(t, ok)
	})
}

func TestStore_BestMatch(t *testing.T) {
	s := newTestStore(Options{})
	for _, k := range []string{"Notch", "notchling", "Jeb_", "jebediah", "dinnerbone"} {
		_, ok := s.CreateWithID(k)
		require.True(t, ok)
	}

	tests := []struct {
		prefix string
		want   string
		found  bool
	}{
		{"not", "Notch", true},
		{"NOTCHL", "notchling", true},
		{"jeb", "Jeb_", true},
		{"jebe", "jebediah", true},
		{"notch", "Notch", true},
		{"steve", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.prefix, func(t *testing.T) {
			e, ok := s.BestMatch(tc.prefix)
			require.Equal(t, tc.found, ok)
			if tc.found {
				require.Equal(t, tc.want, e.ID())
			}
		})
	}

	t.Run("Tie Prefers Smaller Key", func(t *testing.T) {
		s := newTestStore(Options{})
		s.CreateWithID("abd")
		s.CreateWithID("abc")
		e, ok := s.BestMatch("ab")
		require.True(t, ok)
		require.Equal(t, "abc", e.ID())
	})

	t.Run("Non ASCII Keys Count Lowered Length", func(t *testing.T) {
		s := newTestStore(Options{})
		s.CreateWithID("i")
		e, ok := s.BestMatch("İ")
		require.True(t, ok)
		require.Equal(t, "i", e.ID())

		s = newTestStore(Options{})
		s.CreateWithID("İab")
		s.CreateWithID("iabc")
		e, ok = s.BestMatch("ia")
		require.True(t, ok)
		require.Equal(t, "İab", e.ID())
	})
}

func TestStore_Suggest(t *testing.T) {
	s := newTestStore(Options{})
	s.CreateWithID("Dinnerbone")
	s.CreateWithID("Grumm")

	e, ok := s.Suggest("dinerbone")
	require.True(t, ok)
	require.Equal(t, "Dinnerbone", e.ID())

	_, ok = s.Suggest("zzzzzz")
	require.False(t, ok)
	_, ok = s.Suggest("")
	require.False(t, ok)
}

func TestStore_AttachDetach(t *testing.T) {
	t.Run("Attach Assigns Key", func(t *testing.T) {
		s := newTestStore(Options{})
		e := &testEntity{Name: "loose"}
		s.Attach(e)

		require.Equal(t, "1", e.ID())
		require.True(t, s.IsAttached(e))
		got, ok := s.Get("1")
		require.True(t, ok)
		require.Same(t, e, got)
	})

	t.Run("Attach Ignores Keyed Entity", func(t *testing.T) {
		s := newTestStore(Options{})
		e := &testEntity{}
		e.SetID("preset")
		s.Attach(e)

		require.False(t, s.IsAttached(e))
		require.Equal(t, 0, s.Len())
	})

	t.Run("Detach Runs Hooks And Clears Both Views", func(t *testing.T) {
		s := newTestStore(Options{})
		e, _ := s.CreateWithID("gone")
		var attachedDuringPre bool
		e.onPre = func() { attachedDuringPre = s.IsAttached(e) }

		s.Detach(e)

		require.True(t, attachedDuringPre)
		require.Equal(t, 1, e.pre)
		require.Equal(t, 1, e.post)
		require.False(t, s.Exists("gone"))
		require.True(t, s.IsDetached(e))
		requireConsistent(t, s)
	})

	t.Run("Detach Is No-Op When Not Attached", func(t *testing.T) {
		s := newTestStore(Options{})
		stranger := &testEntity{}
		stranger.SetID("1")
		s.CreateWithID("1")

		s.Detach(stranger)
		s.DetachID("missing")

		require.Equal(t, 0, stranger.pre)
		require.True(t, s.Exists("1"))
	})

	t.Run("Nested Detach From Hook Is Ignored", func(t *testing.T) {
		s := newTestStore(Options{})
		e, _ := s.CreateWithID("loop")
		e.onPre = func() { s.DetachID("loop") }

		s.Detach(e)

		require.Equal(t, 1, e.pre)
		require.Equal(t, 1, e.post)
		require.False(t, s.Exists("loop"))
	})
}

func TestStore_Replace(t *testing.T) {
	s := newTestStore(Options{})
	s.CreateWithID("old")

	loaded := map[string]*testEntity{
		"3":     {Name: "three"},
		"17":    {Name: "seventeen"},
		"alice": {Name: "alice"},
	}
	s.Replace(loaded)

	require.False(t, s.Exists("old"))
	require.Equal(t, 3, s.Len())
	require.Equal(t, 18, s.Floor())
	for key, e := range loaded {
		require.Equal(t, key, e.ID())
		require.True(t, s.IsAttached(e))
	}
	require.Equal(t, []string{"17", "3", "alice"}, s.Keys())
	requireConsistent(t, s)

	e, ok := s.Create()
	require.True(t, ok)
	require.Equal(t, "18", e.ID())
}

func TestStore_NextFreeID(t *testing.T) {
	s := newTestStore(Options{})
	s.CreateWithID("1")
	s.CreateWithID("2")

	require.Equal(t, "3", s.NextFreeID())
	require.Equal(t, "4", s.NextFreeID())
	require.True(t, s.IsFree("3"))
	require.False(t, s.IsFree("1"))
}

func TestStore_PublishesEvents(t *testing.T) {
	b := bus.New()
	var got []string
	_, err := b.Subscribe(bus.Wildcard, func(e bus.Event) error {
		change := e.Data().(Change)
		got = append(got, e.Type()+":"+change.Key)
		return nil
	})
	require.NoError(t, err)

	s := newTestStore(Options{Bus: b})
	e, _ := s.CreateWithID("a")
	s.Attach(&testEntity{})
	s.Detach(e)
	s.CreateWithID("a")

	require.Equal(t, []string{
		bus.TypeEntityCreated + ":a",
		bus.TypeEntityAttached + ":1",
		bus.TypeEntityDetached + ":a",
		bus.TypeEntityCreated + ":a",
	}, got)
}
