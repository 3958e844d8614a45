//go:build linux
// +build linux

package procevents

// New dials the kernel process connector and returns a Connector that owns
// the socket. The returned error is a *ConnectError when the socket could not
// be opened, typically because the process lacks CAP_NET_ADMIN.
func New(opts *ConnectorOpts) (*Connector, error) {
	if opts == nil {
		opts = &ConnectorOpts{}
	}

	t, err := Dial(DialOpts{
		ReceiveBufferSize: opts.ReceiveBufferSize,
	})
	if err != nil {
		return nil, err
	}

	return NewWithTransport(t, opts), nil
}
