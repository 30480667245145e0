package netconn

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// Dial connects to addr over TCP and returns a client-side Conn. The read
// loop is not started; call Run or Start after registering a listener.
func Dial(ctx context.Context, addr string, opt ...Option) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	conn, err := NewConn(NewTCPTransport(raw.(*net.TCPConn)), clientOptions(opt)...)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// DialTLS connects to addr, completes the TLS handshake and returns a
// client-side Conn.
func DialTLS(ctx context.Context, addr string, cfg *tls.Config, opt ...Option) (*Conn, error) {
	d := tls.Dialer{Config: cfg}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial tls %s", addr)
	}

	conn, err := NewConn(NewTLSTransport(raw.(*tls.Conn)), clientOptions(opt)...)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// clientOptions forces the client role after the caller's options.
func clientOptions(opt []Option) []Option {
	return append(append([]Option(nil), opt...), RoleOption(RoleClient))
}
