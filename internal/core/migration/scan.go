package migration

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	canonicalKey = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	legacyKey    = regexp.MustCompile(`^[a-zA-Z0-9_]{2,16}$`)
)

// IsCanonical reports whether key is a lowercase, dashed UUID.
func IsCanonical(key string) bool { return canonicalKey.MatchString(key) }

// IsLegacy reports whether key looks like an old-style account name.
func IsLegacy(key string) bool { return legacyKey.MatchString(key) }

// Partition splits store keys by format. Each slice is sorted.
type Partition struct {
	Canonical   []string
	Convertible []string
	Invalid     []string
}

// Scan classifies keys. A key matching neither format is invalid.
func Scan(keys []string) Partition {
	var p Partition
	for _, key := range keys {
		switch {
		case IsCanonical(key):
			p.Canonical = append(p.Canonical, key)
		case IsLegacy(key):
			p.Convertible = append(p.Convertible, key)
		default:
			p.Invalid = append(p.Invalid, key)
		}
	}
	sort.Strings(p.Canonical)
	sort.Strings(p.Convertible)
	sort.Strings(p.Invalid)
	return p
}

// NothingToDo reports whether no key needs converting.
func (p Partition) NothingToDo() bool { return len(p.Convertible) == 0 }

// normalize turns a resolver answer into a canonical key. Dashless and
// uppercase UUIDs are accepted.
func normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if IsCanonical(id) {
		return id, true
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return u.String(), true
}
