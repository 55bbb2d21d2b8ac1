package btsock

import "io"

// InputStream adapts a Socket to io.Reader.
type InputStream struct {
	s *Socket
}

// Read implements io.Reader. End of stream is reported as io.EOF.
func (r *InputStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.s.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Available returns the number of bytes readable without blocking.
func (r *InputStream) Available() (int, error) {
	return r.s.Available()
}

// Close closes the underlying socket.
func (r *InputStream) Close() error {
	return r.s.Close()
}

// OutputStream adapts a Socket to io.Writer.
type OutputStream struct {
	s *Socket
}

// Write implements io.Writer, looping over short transport writes.
func (w *OutputStream) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := w.s.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Close closes the underlying socket.
func (w *OutputStream) Close() error {
	return w.s.Close()
}

var (
	_ io.ReadCloser  = (*InputStream)(nil)
	_ io.WriteCloser = (*OutputStream)(nil)
)
