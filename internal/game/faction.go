package game

import (
	"github.com/zeusync/keeper/internal/core/models"
)

// Faction is keyed by an allocated integer.
type Faction struct {
	models.Identity

	Tag         string            `json:"tag"`
	Description string            `json:"description,omitempty"`
	Open        bool              `json:"open"`
	Peaceful    bool              `json:"peaceful,omitempty"`
	Invites     []string          `json:"invites,omitempty"`
	Relations   map[string]string `json:"relations,omitempty"`

	disband func(*Faction)
}

// OnPreDetach releases the members while the faction is still attached.
func (f *Faction) OnPreDetach() {
	if f.disband != nil {
		f.disband(f)
	}
}

func (f *Faction) Invite(playerID string) {
	for _, id := range f.Invites {
		if id == playerID {
			return
		}
	}
	f.Invites = append(f.Invites, playerID)
}

func (f *Faction) Invited(playerID string) bool {
	for _, id := range f.Invites {
		if id == playerID {
			return true
		}
	}
	return false
}
