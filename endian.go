package procevents

import (
	"encoding/binary"
	"unsafe"
)

// nativeEndian is the byte order of netlink messages, which is always the
// byte order of the running kernel. We test for endianness at runtime
// because some architectures can be booted into different endian modes.
var nativeEndian binary.ByteOrder

// Adapted from tensorflow, licensed under the MIT license:
// https://github.com/tensorflow/tensorflow/blob/bfcfad55b7b3fa4a1093fa748d4241f9457b2a84/tensorflow/go/tensor.go#L488-L505
func init() {
	buf := [2]byte{}
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(0xABCD)

	switch buf {
	case [2]byte{0xCD, 0xAB}:
		nativeEndian = binary.LittleEndian
	case [2]byte{0xAB, 0xCD}:
		nativeEndian = binary.BigEndian
	default:
		panic("Could not determine native endianness.")
	}
}
