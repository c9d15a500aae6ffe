package vio

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens transports for the default channel implementation
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// NetDialer dials TCP or Unix sockets
type NetDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Dial connects using the context deadline when it is sooner than Timeout
func (d NetDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	timeout := d.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &DialError{Network: network, Address: address, Err: context.DeadlineExceeded}
		}
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	dialer := net.Dialer{Timeout: timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, &DialError{Network: network, Address: address, Err: err}
	}
	return conn, nil
}

// DialError reports a failed transport open
type DialError struct {
	Network string
	Address string
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("failed to dial %s %s: %v", e.Network, e.Address, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}
