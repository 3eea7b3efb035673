package frame

import (
	"errors"
	"io"
)

const minRead = 4096

// Reader decodes frames from a byte stream. Returned frames alias the
// reader's buffer; the buffer is never overwritten once handed out, so frames
// stay valid after later calls to Next.
type Reader struct {
	r      io.Reader
	limits Limits
	buf    []byte
	start  int
	end    int
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{r: r, limits: limits.WithDefaults()}
}

func (r *Reader) Next() (Frame, error) {
	for {
		f, n, err := r.limits.Decode(r.buf[r.start:r.end])
		if err == nil {
			r.start += n
			return f, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return Frame{}, err
		}

		r.reserve(Need(r.buf[r.start:r.end]))
		m, rerr := r.r.Read(r.buf[r.end:])
		r.end += m
		if rerr != nil {
			if m > 0 {
				continue
			}
			if errors.Is(rerr, io.EOF) && r.end > r.start {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, rerr
		}
	}
}

// Buffered reports bytes read from the stream but not yet decoded.
func (r *Reader) Buffered() int { return r.end - r.start }

// reserve makes room for need bytes of the pending region. Growth moves the
// pending bytes into a new buffer and leaves the old one to outstanding frames.
func (r *Reader) reserve(need int) {
	pending := r.end - r.start
	if need < pending+1 {
		need = pending + 1
	}
	if r.start+need <= len(r.buf) && r.end < len(r.buf) {
		return
	}
	size := need
	if size < minRead {
		size = minRead
	}
	next := make([]byte, size)
	copy(next, r.buf[r.start:r.end])
	r.buf = next
	r.start = 0
	r.end = pending
}

// Writer encodes frames onto a byte stream with one Write per frame.
// It is not safe for concurrent use.
type Writer struct {
	w      io.Writer
	limits Limits
	buf    []byte
}

func NewWriter(w io.Writer, limits Limits) *Writer {
	return &Writer{w: w, limits: limits.WithDefaults()}
}

func (w *Writer) WriteFrame(f Frame) error {
	buf, err := w.limits.Append(w.buf[:0], f)
	if err != nil {
		return err
	}
	w.buf = buf
	_, err = w.w.Write(buf)
	return err
}
