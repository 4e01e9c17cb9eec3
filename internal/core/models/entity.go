// Package models defines the identity contract shared by every record kept in
// a registry store.
package models

// Entity is a record addressable by a unique string key.
//
// The key is not part of the serialized body: persisted files use it as the
// JSON object field name and the store assigns it back after decoding.
type Entity interface {
	// ID returns the current key, or "" while detached.
	ID() string
	// SetID assigns the key. Only the owning store calls it.
	SetID(id string)

	// OnPreDetach runs while the entity is still attached.
	OnPreDetach()
	// OnPostDetach runs after the entity left the store.
	OnPostDetach()

	// ShouldPersist reports whether the entity is written on save.
	// Returning false keeps a live default instance out of the file.
	ShouldPersist() bool
}

// Factory builds a default instance of one entity kind.
type Factory[E Entity] func() (E, error)

// Identity implements the key half of Entity and no-op hooks. Embed it by
// value; the key is unexported so encoding/json skips it.
type Identity struct {
	id string
}

func (i *Identity) ID() string      { return i.id }
func (i *Identity) SetID(id string) { i.id = id }
func (i *Identity) OnPreDetach()    {}
func (i *Identity) OnPostDetach()   {}

// ShouldPersist defaults to true.
func (i *Identity) ShouldPersist() bool { return true }
