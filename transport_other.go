//go:build !linux
// +build !linux

package procevents

// Dial always returns an error on operating systems other than Linux.
func Dial(_ DialOpts) (Transport, error) {
	return nil, &ConnectError{Op: "socket", Err: errUnsupportedOS}
}
