package httpinspect

import (
	"bytes"
	"fmt"
	"strconv"

	"firestige.xyz/layers/internal/core"
)

// stream is one direction of the connection: bytes not yet framed and the
// message whose body is being collected.
type stream struct {
	buf []byte
	msg *message
}

func (s *stream) pending() int {
	n := len(s.buf)
	if s.msg != nil {
		n += len(s.msg.body)
	}
	return n
}

func (s *stream) reset() {
	s.buf = nil
	s.msg = nil
}

type message struct {
	kind   string
	labels core.Labels
	header map[string]string
	body   []byte

	// body bytes still expected, -1 when the body ends with the connection
	remaining int64
	chunks    *chunkDecoder
}

// frame sets how the body is delimited.
func (m *message) frame(transferEncoding []string, contentLength int64, limit int) error {
	if n := len(transferEncoding); n > 0 && transferEncoding[n-1] == "chunked" {
		m.chunks = &chunkDecoder{}
		return nil
	}
	if contentLength < 0 {
		m.remaining = -1
		return nil
	}
	if contentLength > int64(limit) {
		return fmt.Errorf("%w: content length %d", core.ErrInspectorBuffer, contentLength)
	}
	m.remaining = contentLength
	return nil
}

func (m *message) untilClose() bool {
	return m.chunks == nil && m.remaining < 0
}

// consume moves body bytes from buf into the message and reports whether
// the body is complete.
func (m *message) consume(buf *[]byte, limit int) (bool, error) {
	switch {
	case m.chunks != nil:
		n, done, err := m.chunks.decode(*buf, &m.body, limit)
		*buf = (*buf)[n:]
		return done, err
	case m.remaining < 0:
		m.body = append(m.body, *buf...)
		*buf = (*buf)[:0]
		return false, nil
	default:
		n := min(m.remaining, int64(len(*buf)))
		m.body = append(m.body, (*buf)[:n]...)
		*buf = (*buf)[n:]
		m.remaining -= n
		return m.remaining == 0, nil
	}
}

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

const maxChunkLine = 4096

// chunkDecoder decodes a chunked body incrementally, keeping its position
// between segments.
type chunkDecoder struct {
	state chunkState
	left  int64
}

func (c *chunkDecoder) decode(buf []byte, body *[]byte, limit int) (int, bool, error) {
	n := 0
	for {
		if c.state == chunkData {
			take := min(c.left, int64(len(buf)-n))
			*body = append(*body, buf[n:n+int(take)]...)
			n += int(take)
			c.left -= take
			if c.left > 0 {
				return n, false, nil
			}
			c.state = chunkDataEnd
			continue
		}

		idx := bytes.IndexByte(buf[n:], '\n')
		if idx < 0 {
			if len(buf)-n > maxChunkLine {
				return n, false, fmt.Errorf("malformed chunked body: line longer than %d bytes", maxChunkLine)
			}
			return n, false, nil
		}
		line := bytes.TrimRight(buf[n:n+idx], "\r")
		n += idx + 1

		switch c.state {
		case chunkSize:
			if semi := bytes.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
			if err != nil || size < 0 {
				return n, false, fmt.Errorf("malformed chunk size %q", line)
			}
			if size > int64(limit) {
				return n, false, fmt.Errorf("%w: chunk of %d bytes", core.ErrInspectorBuffer, size)
			}
			if size == 0 {
				c.state = chunkTrailer
			} else {
				c.left = size
				c.state = chunkData
			}
		case chunkDataEnd:
			if len(line) != 0 {
				return n, false, fmt.Errorf("malformed chunked body: no line break after chunk")
			}
			c.state = chunkSize
		case chunkTrailer:
			if len(line) == 0 {
				return n, true, nil
			}
		}
	}
}
