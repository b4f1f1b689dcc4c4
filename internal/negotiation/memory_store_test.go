package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCopiesState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	missing, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, missing)

	state := &State{Counterparty: "alice", Status: StatusPending, LastInteraction: time.Now()}
	require.NoError(t, store.Put(ctx, state))
	state.Status = StatusFailed

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	require.NoError(t, store.Put(ctx, &State{Counterparty: "bob", LastInteraction: time.Now().Add(time.Hour)}))
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "bob", list[0].Counterparty)

	require.NoError(t, store.Delete(ctx, "alice"))
	got, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	require.Nil(t, got)

	require.Error(t, store.Put(ctx, &State{}))
}
