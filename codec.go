package procevents

import (
	"fmt"
)

// Layout of the process connector protocol. These sizes and offsets are part
// of the kernel ABI (linux/netlink.h, linux/connector.h, linux/cn_proc.h) and
// must not change.
const (
	// struct nlmsghdr
	nlmsgHeaderLen = 16
	nlmsgLenOff    = 0
	nlmsgTypeOff   = 4
	nlmsgPidOff    = 12

	// struct cn_msg, following the nlmsghdr.
	cnMsgHeaderLen = 20
	cnIdxOff       = nlmsgHeaderLen + 0
	cnValOff       = nlmsgHeaderLen + 4
	cnLenOff       = nlmsgHeaderLen + 16

	headerLen = nlmsgHeaderLen + cnMsgHeaderLen

	// struct proc_event, following the cn_msg.
	whatOff      = headerLen + 0
	cpuOff       = headerLen + 4
	timestampOff = headerLen + 8
	eventDataOff = headerLen + 16

	// minRecordLen is the shortest record that carries a kind and a
	// timestamp.
	minRecordLen = eventDataOff

	// controlMsgLen is the size of a listen/ignore request: both headers and
	// a 4 byte enum proc_cn_mcast_op.
	controlMsgLen = headerLen + 4

	// receiveBufferLen is comfortably larger than any proc_event datagram.
	receiveBufferLen = 4096

	nlmsgDone = 0x3

	cnIdxProc = 0x1
	cnValProc = 0x1
)

// mcastOp is enum proc_cn_mcast_op.
type mcastOp uint32

const (
	mcastListen mcastOp = 1
	mcastIgnore mcastOp = 2
)

// encodeControl builds the datagram that subscribes (or unsubscribes) the
// socket bound to portID to the process event multicast group.
func encodeControl(portID uint32, op mcastOp) []byte {
	b := make([]byte, controlMsgLen)
	nativeEndian.PutUint32(b[nlmsgLenOff:], controlMsgLen)
	nativeEndian.PutUint16(b[nlmsgTypeOff:], nlmsgDone)
	nativeEndian.PutUint32(b[nlmsgPidOff:], portID)

	nativeEndian.PutUint32(b[cnIdxOff:], cnIdxProc)
	nativeEndian.PutUint32(b[cnValOff:], cnValProc)
	nativeEndian.PutUint16(b[cnLenOff:], 4)

	nativeEndian.PutUint32(b[headerLen:], uint32(op))
	return b
}

// fieldReader reads fixed-offset integers from a record. The first out of
// bounds access is remembered and every later read returns zero.
type fieldReader struct {
	b   []byte
	err error
}

func (r *fieldReader) check(off, size int, field string) bool {
	if r.err != nil {
		return false
	}
	if off < 0 || off+size > len(r.b) {
		r.err = &DecodeError{
			Len:    len(r.b),
			Reason: fmt.Sprintf("field %s at offset %d needs %d bytes", field, off, size),
		}
		return false
	}
	return true
}

func (r *fieldReader) u16(off int, field string) uint16 {
	if !r.check(off, 2, field) {
		return 0
	}
	return nativeEndian.Uint16(r.b[off:])
}

func (r *fieldReader) u32(off int, field string) uint32 {
	if !r.check(off, 4, field) {
		return 0
	}
	return nativeEndian.Uint32(r.b[off:])
}

func (r *fieldReader) i32(off int, field string) int32 {
	return int32(r.u32(off, field))
}

func (r *fieldReader) u64(off int, field string) uint64 {
	if !r.check(off, 8, field) {
		return 0
	}
	return nativeEndian.Uint64(r.b[off:])
}

// Decode parses a single process connector datagram. Records of kinds other
// than fork, exec and exit decode successfully into an Event for which
// Supported returns false. Truncated or foreign records return a
// *DecodeError.
func Decode(b []byte) (Event, error) {
	if len(b) < minRecordLen {
		return Event{}, &DecodeError{
			Len:    len(b),
			Reason: fmt.Sprintf("shorter than the %d byte header", minRecordLen),
		}
	}

	r := &fieldReader{b: b}
	var (
		msgLen = r.u32(nlmsgLenOff, "nlmsg_len")
		typ    = r.u16(nlmsgTypeOff, "nlmsg_type")
		idx    = r.u32(cnIdxOff, "cn_msg.id.idx")
		val    = r.u32(cnValOff, "cn_msg.id.val")
		cnLen  = r.u16(cnLenOff, "cn_msg.len")
	)
	if r.err != nil {
		return Event{}, r.err
	}
	if typ != nlmsgDone {
		return Event{}, &DecodeError{Len: len(b), Reason: fmt.Sprintf("unexpected netlink message type %d", typ)}
	}
	if int(msgLen) > len(b) {
		return Event{}, &DecodeError{Len: len(b), Reason: fmt.Sprintf("truncated: nlmsg_len is %d", msgLen)}
	}
	if idx != cnIdxProc || val != cnValProc {
		return Event{}, &DecodeError{Len: len(b), Reason: fmt.Sprintf("not a process connector message (id %d:%d)", idx, val)}
	}
	if headerLen+int(cnLen) > len(b) {
		return Event{}, &DecodeError{Len: len(b), Reason: fmt.Sprintf("truncated: cn_msg.len is %d", cnLen)}
	}

	ev := Event{
		Kind:      Kind(r.u32(whatOff, "what")),
		CPU:       r.u32(cpuOff, "cpu"),
		Timestamp: r.u64(timestampOff, "timestamp_ns"),
	}

	switch ev.Kind {
	case KindFork:
		ev.ParentPID = r.i32(eventDataOff+0, "fork.parent_pid")
		ev.ParentTGID = r.i32(eventDataOff+4, "fork.parent_tgid")
		ev.PID = r.i32(eventDataOff+8, "fork.child_pid")
		ev.TGID = r.i32(eventDataOff+12, "fork.child_tgid")
	case KindExec:
		ev.PID = r.i32(eventDataOff+0, "exec.process_pid")
		ev.TGID = r.i32(eventDataOff+4, "exec.process_tgid")
	case KindExit:
		ev.PID = r.i32(eventDataOff+0, "exit.process_pid")
		ev.TGID = r.i32(eventDataOff+4, "exit.process_tgid")
		// Exit code and signal are reported by every kernel that has the
		// connector, but only the pid is required to dispatch.
		if len(b) >= eventDataOff+16 {
			ev.ExitCode = r.u32(eventDataOff+8, "exit.exit_code")
			ev.ExitSignal = r.u32(eventDataOff+12, "exit.exit_signal")
		}
	}
	if r.err != nil {
		return Event{}, r.err
	}

	return ev, nil
}
