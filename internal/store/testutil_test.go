package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestStore opens a fresh in-memory database and applies every
// migration, giving each test its own isolated schema.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Migrate(context.Background()))
	return st
}
