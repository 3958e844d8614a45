package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	tbl.Fork(1, 10, 100)
	p, ok := tbl.Get(10)
	require.True(t, ok)
	require.Equal(t, Process{PID: 10, ParentPID: 1, StartNS: 100}, p)

	// Exec keeps the parent learned from the fork.
	tbl.Exec(10, 200, []string{"sleep", "1"})
	p, ok = tbl.Get(10)
	require.True(t, ok)
	require.Equal(t, Process{PID: 10, ParentPID: 1, StartNS: 200, Cmdline: []string{"sleep", "1"}}, p)

	tbl.Exec(11, 250, nil)
	require.Equal(t, 2, tbl.Len())

	p, ok = tbl.Exit(10)
	require.True(t, ok)
	require.Equal(t, []string{"sleep", "1"}, p.Cmdline)
	_, ok = tbl.Exit(10)
	require.False(t, ok)

	tbl.BeginScan()
	tbl.FinishScan(map[int32]Process{
		3: {PID: 3},
		2: {PID: 2},
		7: {PID: 7},
	})
	snap := tbl.Snapshot()
	require.Len(t, snap, 3)
	require.EqualValues(t, []int32{2, 3, 7}, []int32{snap[0].PID, snap[1].PID, snap[2].PID})
	_, ok = tbl.Get(11)
	require.False(t, ok, "scan must drop processes it did not find")
}

func TestTableScan(t *testing.T) {
	t.Parallel()

	t.Run("ReplaysEventsDuringScan", func(t *testing.T) {
		t.Parallel()

		tbl := NewTable()
		tbl.Exec(5, 10, []string{"old"})

		tbl.BeginScan()
		// The scan read /proc before these were applied.
		tbl.Exit(20)
		tbl.Exec(21, 30, []string{"new"})
		tbl.Fork(21, 22, 40)
		tbl.FinishScan(map[int32]Process{
			20: {PID: 20, ParentPID: 1, Cmdline: []string{"gone"}},
			21: {PID: 21, ParentPID: 1},
		})

		_, ok := tbl.Get(20)
		require.False(t, ok, "exit during the scan must not be undone")
		p, ok := tbl.Get(21)
		require.True(t, ok)
		require.Equal(t, Process{PID: 21, ParentPID: 1, StartNS: 30, Cmdline: []string{"new"}}, p)
		p, ok = tbl.Get(22)
		require.True(t, ok)
		require.EqualValues(t, 21, p.ParentPID)
		_, ok = tbl.Get(5)
		require.False(t, ok, "events before the scan are not replayed")
		require.Equal(t, 3, tbl.Len())
	})

	t.Run("Abort", func(t *testing.T) {
		t.Parallel()

		tbl := NewTable()
		tbl.BeginScan()
		tbl.Exec(1, 1, nil)
		tbl.AbortScan()
		tbl.Exit(1)

		// Nothing recorded before or after the abort leaks into the next scan.
		tbl.BeginScan()
		tbl.FinishScan(map[int32]Process{1: {PID: 1}, 2: {PID: 2}})
		require.Equal(t, 2, tbl.Len())
	})
}
