package execute

import "io"

// chunkWriter splits each write into pieces no larger than max bytes.
type chunkWriter struct {
	w   io.Writer
	max int
}

func newChunkWriter(w io.Writer, max int) io.Writer {
	if max <= 0 {
		return w
	}
	return &chunkWriter{w: w, max: max}
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > c.max {
			n = c.max
		}
		m, err := c.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
