package polling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func memoryOf(tasks ...*Task) taskSet {
	set := make(taskSet)
	set.absorb(&State{Tasks: tasks})
	return set
}

func TestMergeDiskStatusWins(t *testing.T) {
	memory := memoryOf(sampleTask("a", StatusPending))
	disk := &State{Tasks: []*Task{sampleTask("a", StatusRequestCancel)}}

	changes := merge(memory, disk, time.Now())
	require.Len(t, changes, 1)
	require.False(t, changes[0].Rejected)
	require.Equal(t, StatusRequestCancel, memory["a"].Status)
}

func TestMergeKeepsTasksFromEitherSide(t *testing.T) {
	memory := memoryOf(sampleTask("mem", StatusPending))
	disk := &State{Archive: []*Task{sampleTask("disk", StatusCompleted)}}

	require.Empty(t, merge(memory, disk, time.Now()))
	require.Len(t, memory, 2)
	require.Equal(t, StatusCompleted, memory["disk"].Status)

	state := memory.state(time.Time{})
	require.Len(t, state.Tasks, 1)
	require.Len(t, state.Archive, 1)
}

func TestMergeNeverRewritesFinalStatus(t *testing.T) {
	for _, requested := range []Status{StatusPending, StatusRequestCancel, StatusFailed} {
		memory := memoryOf(sampleTask("a", StatusCompleted))
		disk := &State{Tasks: []*Task{sampleTask("a", requested)}}

		changes := merge(memory, disk, time.Now())
		require.Len(t, changes, 1)
		require.True(t, changes[0].Rejected)
		require.Equal(t, StatusCompleted, memory["a"].Status)
	}
}

func TestMergeAllowsCancelOfFailedTask(t *testing.T) {
	memory := memoryOf(sampleTask("a", StatusFailed))
	disk := &State{Archive: []*Task{sampleTask("a", StatusRequestCancel)}}

	merge(memory, disk, time.Now())
	require.Equal(t, StatusRequestCancel, memory["a"].Status)
	require.Equal(t, 1, memory.active())
}

func TestMergeRejectsUnknownStatus(t *testing.T) {
	memory := memoryOf(sampleTask("a", StatusPending))
	disk := &State{Tasks: []*Task{sampleTask("a", Status("bogus")), sampleTask("b", Status("bogus"))}}

	changes := merge(memory, disk, time.Now())
	require.Len(t, changes, 1)
	require.True(t, changes[0].Rejected)
	require.Equal(t, StatusPending, memory["a"].Status)
	require.NotContains(t, memory, "b")
}

func TestThresholdMet(t *testing.T) {
	require.True(t, ThresholdMet(960, 1000, 0.95))
	require.True(t, ThresholdMet(950, 1000, 0.95))
	require.False(t, ThresholdMet(949.99, 1000, 0.95))
	require.True(t, ThresholdMet(950, 1000, 0))
}
