package game

import (
	"github.com/zeusync/keeper/internal/core/models"
)

// DefaultPower is the power a fresh player starts with.
const DefaultPower = 10.0

// Player is keyed by the account UUID. Files written before UUID keys hold
// account names instead; those are converted on load.
type Player struct {
	models.Identity

	Name       string  `json:"name,omitempty"`
	FactionID  string  `json:"faction_id,omitempty"`
	Title      string  `json:"title,omitempty"`
	Power      float64 `json:"power"`
	PowerBoost float64 `json:"power_boost,omitempty"`
	LastSeen   int64   `json:"last_seen,omitempty"`
}

func NewPlayer() (*Player, error) {
	return &Player{Power: DefaultPower}, nil
}

// ShouldPersist skips players that were only looked up and never changed.
func (p *Player) ShouldPersist() bool {
	return p.FactionID != "" ||
		p.Title != "" ||
		p.Power != DefaultPower ||
		p.PowerBoost != 0
}

func (p *Player) HasFaction() bool { return p.FactionID != "" }
