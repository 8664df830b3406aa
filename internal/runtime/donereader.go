package runtime

import (
	"io"
	"sync"
)

// Reader that closes done the first time the wrapped reader reports EOF.
//
// Exec streams use it to learn when a tar stream has been fully consumed so
// the process stdin can be closed explicitly.
type doneReader struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func newDoneReader(r io.Reader) *doneReader {
	return &doneReader{r: r, done: make(chan struct{})}
}

// Read forwards to the wrapped reader. Errors other than EOF leave done open.
func (d *doneReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err == io.EOF {
		d.once.Do(func() { close(d.done) })
	}
	return n, err
}
