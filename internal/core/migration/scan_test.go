package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan(t *testing.T) {
	p := Scan([]string{
		"7c9e6679-7425-40de-944b-e07fc1f90ae7",
		"Notch",
		"bob!!",
		"a",
		"jeb_",
		"7C9E6679-7425-40DE-944B-E07FC1F90AE7",
		"this_name_is_far_too_long",
		"",
	})

	require.Equal(t, []string{"7c9e6679-7425-40de-944b-e07fc1f90ae7"}, p.Canonical)
	require.Equal(t, []string{"Notch", "jeb_"}, p.Convertible)
	require.Equal(t, []string{
		"",
		"7C9E6679-7425-40DE-944B-E07FC1F90AE7",
		"a",
		"bob!!",
		"this_name_is_far_too_long",
	}, p.Invalid)
	require.False(t, p.NothingToDo())

	assert.True(t, Scan([]string{"bad key"}).NothingToDo())
	assert.True(t, Scan(nil).NothingToDo())
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"7c9e6679-7425-40de-944b-e07fc1f90ae7", "7c9e6679-7425-40de-944b-e07fc1f90ae7", true},
		{"7c9e6679742540de944be07fc1f90ae7", "7c9e6679-7425-40de-944b-e07fc1f90ae7", true},
		{"7C9E6679742540DE944BE07FC1F90AE7", "7c9e6679-7425-40de-944b-e07fc1f90ae7", true},
		{"not-an-id", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := normalize(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
