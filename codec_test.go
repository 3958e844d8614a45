package procevents

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

// buildRecord returns a datagram as the kernel would send it for the given
// event kind and event data words.
func buildRecord(kind Kind, ts uint64, data ...uint32) []byte {
	b := make([]byte, eventDataOff+4*len(data))
	nativeEndian.PutUint32(b[nlmsgLenOff:], uint32(len(b)))
	nativeEndian.PutUint16(b[nlmsgTypeOff:], nlmsgDone)
	nativeEndian.PutUint32(b[cnIdxOff:], cnIdxProc)
	nativeEndian.PutUint32(b[cnValOff:], cnValProc)
	nativeEndian.PutUint16(b[cnLenOff:], uint16(len(b)-headerLen))
	nativeEndian.PutUint32(b[whatOff:], uint32(kind))
	nativeEndian.PutUint32(b[cpuOff:], 3)
	nativeEndian.PutUint64(b[timestampOff:], ts)
	for i, v := range data {
		nativeEndian.PutUint32(b[eventDataOff+4*i:], v)
	}
	return b
}

func forkRecord(parent, child uint32, ts uint64) []byte {
	return buildRecord(KindFork, ts, parent, parent, child, child)
}

func execRecord(pid uint32, ts uint64) []byte {
	return buildRecord(KindExec, ts, pid, pid)
}

func exitRecord(pid uint32, ts uint64) []byte {
	return buildRecord(KindExit, ts, pid, pid, 0, 17)
}

func TestEncodeControl(t *testing.T) {
	t.Parallel()

	b := encodeControl(4242, mcastListen)
	require.Len(t, b, 40)
	require.EqualValues(t, 40, nativeEndian.Uint32(b[0:]), "nlmsg_len")
	require.EqualValues(t, nlmsgDone, nativeEndian.Uint16(b[4:]), "nlmsg_type")
	require.EqualValues(t, 0, nativeEndian.Uint16(b[6:]), "nlmsg_flags")
	require.EqualValues(t, 0, nativeEndian.Uint32(b[8:]), "nlmsg_seq")
	require.EqualValues(t, 4242, nativeEndian.Uint32(b[12:]), "nlmsg_pid")
	require.EqualValues(t, cnIdxProc, nativeEndian.Uint32(b[16:]), "cn_msg.id.idx")
	require.EqualValues(t, cnValProc, nativeEndian.Uint32(b[20:]), "cn_msg.id.val")
	require.EqualValues(t, 4, nativeEndian.Uint16(b[32:]), "cn_msg.len")
	require.EqualValues(t, 1, nativeEndian.Uint32(b[36:]), "op")

	b = encodeControl(4242, mcastIgnore)
	require.EqualValues(t, 2, nativeEndian.Uint32(b[36:]), "op")
}

func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("Fork", func(t *testing.T) {
		t.Parallel()
		ev, err := Decode(forkRecord(10, 55, 100))
		require.NoError(t, err)
		require.Equal(t, Event{
			Kind:       KindFork,
			CPU:        3,
			Timestamp:  100,
			PID:        55,
			TGID:       55,
			ParentPID:  10,
			ParentTGID: 10,
		}, ev)
		require.True(t, ev.Supported())
	})

	t.Run("Exec", func(t *testing.T) {
		t.Parallel()
		ev, err := Decode(execRecord(55, 200))
		require.NoError(t, err)
		require.Equal(t, KindExec, ev.Kind)
		require.EqualValues(t, 55, ev.PID)
		require.EqualValues(t, 200, ev.Timestamp)
	})

	t.Run("Exit", func(t *testing.T) {
		t.Parallel()
		ev, err := Decode(exitRecord(55, 300))
		require.NoError(t, err)
		require.Equal(t, KindExit, ev.Kind)
		require.EqualValues(t, 55, ev.PID)
		require.EqualValues(t, 300, ev.Timestamp)
		require.EqualValues(t, 17, ev.ExitSignal)
	})

	t.Run("ExitWithoutCode", func(t *testing.T) {
		t.Parallel()
		ev, err := Decode(buildRecord(KindExit, 300, 55, 55))
		require.NoError(t, err)
		require.EqualValues(t, 55, ev.PID)
		require.Zero(t, ev.ExitCode)
	})

	t.Run("Unsupported", func(t *testing.T) {
		t.Parallel()
		for _, kind := range []Kind{KindNone, KindUID, KindGID, KindComm, Kind(0x1234)} {
			ev, err := Decode(buildRecord(kind, 1, 9, 9, 0, 0))
			require.NoError(t, err, kind.String())
			require.Equal(t, kind, ev.Kind)
			require.False(t, ev.Supported(), kind.String())
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		t.Parallel()

		wrongType := execRecord(1, 1)
		nativeEndian.PutUint16(wrongType[nlmsgTypeOff:], 2)

		wrongID := execRecord(1, 1)
		nativeEndian.PutUint32(wrongID[cnIdxOff:], 4)

		bigNlmsgLen := execRecord(1, 1)
		nativeEndian.PutUint32(bigNlmsgLen[nlmsgLenOff:], 1000)

		bigCnLen := execRecord(1, 1)
		nativeEndian.PutUint16(bigCnLen[cnLenOff:], 1000)

		cases := map[string][]byte{
			"Empty":          nil,
			"ShortHeader":    execRecord(1, 1)[:minRecordLen-1],
			"ShortForkData":  buildRecord(KindFork, 1, 10, 10),
			"ShortExecData":  buildRecord(KindExec, 1),
			"WrongType":      wrongType,
			"WrongConnector": wrongID,
			"BigNlmsgLen":    bigNlmsgLen,
			"BigCnLen":       bigCnLen,
		}
		for name, b := range cases {
			_, err := Decode(b)
			require.Error(t, err, name)
			var derr *DecodeError
			require.True(t, xerrors.As(err, &derr), "%s: expected *DecodeError, got %T", name, err)
			require.Equal(t, len(b), derr.Len, name)
		}
	})
}
