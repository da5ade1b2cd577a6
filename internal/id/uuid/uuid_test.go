package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	_, err = goUUID.Parse(id1)
	require.NoError(t, err)
}

func TestGeneratorOwnerID(t *testing.T) {
	t.Parallel()

	gen := New()
	a, err := gen.OwnerID()
	require.NoError(t, err)
	b, err := gen.OwnerID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.True(t, strings.Contains(a, "-"))
	require.Len(t, a[strings.LastIndex(a, "-")+1:], 12)
}
