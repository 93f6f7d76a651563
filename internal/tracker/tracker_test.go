package tracker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullSnapshotMsg(t *testing.T, iteration, realizations int) WireMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"realizations": map[string]any{},
	})
	require.NoError(t, err)
	return WireMessage{Kind: "full_snapshot", Iteration: iteration, Ensemble: raw}
}

func TestTrackYieldsOutOfOrderWhenUpdateArrivesBeforeFullSnapshot(t *testing.T) {
	tr := NewTracker(1)
	in := make(chan WireMessage, 2)
	in <- WireMessage{Kind: "snapshot_update", Iteration: 0}
	close(in)

	out := tr.Track(context.Background(), in)

	var evt TrackerEvent
	select {
	case evt = <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.ErrorIs(t, evt.Err, ErrOutOfOrder)
}

func TestTrackEmitsFullSnapshotThenEnd(t *testing.T) {
	tr := NewTracker(1)
	in := make(chan WireMessage, 2)
	in <- fullSnapshotMsg(t, 0, 0)
	in <- WireMessage{Kind: "end"}
	close(in)

	out := tr.Track(context.Background(), in)

	first := <-out
	assert.Equal(t, FullSnapshotEvent, first.Kind)
	assert.NoError(t, first.Err)

	second := <-out
	assert.Equal(t, EndEvent, second.Kind)

	_, open := <-out
	assert.False(t, open)
}

func TestProgressGuardsZeroTotalIterations(t *testing.T) {
	tr := NewTracker(0)
	assert.Equal(t, 0.0, tr.progress())
}
