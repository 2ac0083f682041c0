package runtime

import (
	"io"
	"sync"
)

// Wraps r so that the returned channel closes at its first EOF. The shim
// keeps both ends of the exec stdin FIFO open, so the caller closes stdin
// explicitly once the channel fires.
func watchEOF(r io.Reader) (io.Reader, <-chan struct{}) {
	w := &eofReader{Reader: r, eof: make(chan struct{})}
	return w, w.eof
}

type eofReader struct {
	io.Reader
	once sync.Once
	eof  chan struct{}
}

func (w *eofReader) Read(p []byte) (int, error) {
	n, err := w.Reader.Read(p)
	if err == io.EOF {
		w.once.Do(func() { close(w.eof) })
	}
	return n, err
}
