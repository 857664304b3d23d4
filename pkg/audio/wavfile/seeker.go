package wavfile

import (
	"errors"
	"io"
)

// writeSeeker is an in-memory io.WriteSeeker. The WAV encoder seeks back to
// patch chunk sizes once all samples are written, which bytes.Buffer cannot do.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(w.pos)
	case io.SeekEnd:
		base = int64(len(w.buf))
	default:
		return 0, errors.New("wavfile: invalid whence")
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("wavfile: negative seek position")
	}
	w.pos = int(next)
	return next, nil
}

// Bytes returns the written data.
func (w *writeSeeker) Bytes() []byte { return w.buf }
