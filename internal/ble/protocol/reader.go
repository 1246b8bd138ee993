package protocol

// reader walks a byte slice with bounds checks. The first failed read
// latches the error and every subsequent read returns zero values, so a
// decoder can read a whole layout and check err once.
type reader struct {
	data []byte
	off  int
	err  error
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) readByte(field string) byte {
	b := r.read(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

// read returns the next n bytes without copying, or nil when short.
func (r *reader) read(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = malformed("%s: need %d bytes, have %d", field, n, r.remaining())
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// readCopy is read followed by a copy, for fields kept past decode.
func (r *reader) readCopy(n int, field string) []byte {
	b := r.read(n, field)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) readInto(dst []byte, field string) {
	if b := r.read(len(dst), field); b != nil {
		copy(dst, b)
	}
}

// finish reports trailing bytes as malformed.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if n := r.remaining(); n != 0 {
		return malformed("%d trailing bytes", n)
	}
	return nil
}
