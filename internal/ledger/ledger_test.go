package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPersister(t *testing.T) {
	var p Persister = &Nop{}
	ctx := context.Background()

	require.NoError(t, p.Persist(ctx, 1, []byte("payload")))
	ids, err := p.Persisted(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	require.NoError(t, p.Delete(ctx, 1))
}

func TestNewRejectsBadDSN(t *testing.T) {
	_, err := New(context.Background(), "not-a-dsn://///", nil)
	require.Error(t, err)
}
