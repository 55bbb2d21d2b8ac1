package btsock

import "time"

// ServerSocket is a listening socket. Each Accept returns a new connected
// Socket owned by the caller.
type ServerSocket struct {
	s *Socket
}

// Listen allocates an endpoint, binds it to opts.Channel and starts
// listening. The remote device in opts is ignored.
func Listen(tr Transport, opts Options) (*ServerSocket, error) {
	opts.Remote = Device{}
	s, err := New(tr, opts)
	if err != nil {
		return nil, err
	}
	if err := s.BindListen(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &ServerSocket{s: s}, nil
}

// Accept blocks until a connection arrives, timeout elapses (ErrTimeout) or
// the server socket is closed (ErrSocketClosed). A timeout <= 0 waits
// forever.
func (l *ServerSocket) Accept(timeout time.Duration) (*Socket, error) {
	return l.s.Accept(timeout)
}

// Channel returns the channel the server listens on.
func (l *ServerSocket) Channel() int { return l.s.Channel() }

// Kind returns the socket kind.
func (l *ServerSocket) Kind() Kind { return l.s.Kind() }

// Close stops listening and unblocks any pending Accept.
func (l *ServerSocket) Close() error {
	return l.s.Close()
}
