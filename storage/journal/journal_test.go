package journal

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowengine/core/events"
	"escrowengine/core/types"
)

type testEvent struct{ evt *types.Event }

func (e testEvent) EventType() string   { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

func TestJournalAppendAndList(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer j.Close()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	j.SetNowFunc(func() time.Time { return fixed })

	ctx := context.Background()
	for _, evt := range []*types.Event{
		{Type: "escrow.initialized", Attributes: map[string]string{"ref": "0x01/1", "amount": "10"}},
		{Type: "escrow.funded", Attributes: map[string]string{"ref": "0x01/1"}},
		{Type: "escrow.initialized", Attributes: map[string]string{"ref": "0x02/7"}},
	} {
		_, err := j.Append(ctx, evt)
		require.NoError(t, err)
	}
	j.Emit(events.Transfer{Asset: "usdc", Amount: big.NewInt(5)})

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, int64(1), all[0].Sequence)
	require.Equal(t, "10", all[0].Attributes["amount"])
	require.Equal(t, fixed, all[0].RecordedAt)
	require.Equal(t, events.TypeTransfer, all[3].Type)
	require.Empty(t, all[3].Ref)

	byRef, err := j.List(ctx, Filter{Ref: "0x01/1"})
	require.NoError(t, err)
	require.Len(t, byRef, 2)

	byType, err := j.List(ctx, Filter{Type: "escrow.initialized", After: 1})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, "0x02/7", byType[0].Ref)

	limited, err := j.List(ctx, Filter{Limit: 1, After: 2})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, int64(3), limited[0].Sequence)

	last, err := j.LastSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), last)
}

func TestJournalRejectsUntypedEvents(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer j.Close()
	_, err = j.Append(context.Background(), &types.Event{})
	require.Error(t, err)
	_, err = Open("  ")
	require.Error(t, err)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	j, err := Open(path)
	require.NoError(t, err)
	j.Emit(testEvent{evt: &types.Event{Type: "escrow.cancelled", Attributes: map[string]string{"ref": "0x01/2"}}})
	require.NoError(t, j.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.List(context.Background(), Filter{Ref: "0x01/2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "escrow.cancelled", entries[0].Type)
}
