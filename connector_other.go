//go:build !linux
// +build !linux

package procevents

// New is not supported on OSes other than Linux.
func New(_ *ConnectorOpts) (*Connector, error) {
	return nil, &ConnectError{Op: "socket", Err: errUnsupportedOS}
}
