package client

import (
	"bytes"
	"io"

	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// MaxLineBytes caps one frame. Longer lines are dropped up to the next newline.
const MaxLineBytes = 4 << 20

// Decoder splits a byte stream into frames. Partial lines are held until more bytes arrive;
// malformed lines are logged and skipped without stopping the stream.
type Decoder struct {
	handle   func(protocol.Frame)
	log      *logger.Logger
	buf      []byte
	dropping bool
	skipped  int
}

// NewDecoder calls handle for every decoded frame, in order.
func NewDecoder(handle func(protocol.Frame), log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.Nop()
	}
	return &Decoder{handle: handle, log: log}
}

// Write feeds a chunk. It never fails: bad input is skipped.
func (d *Decoder) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.hold(p)
			break
		}
		d.hold(p[:i])
		if d.dropping {
			d.dropping = false
		} else {
			d.line(d.buf)
		}
		d.buf = d.buf[:0]
		p = p[i+1:]
	}
	return n, nil
}

// Flush parses whatever remains after the stream ended.
func (d *Decoder) Flush() {
	if !d.dropping {
		d.line(d.buf)
	}
	d.buf = d.buf[:0]
	d.dropping = false
}

// Skipped counts malformed or oversize lines.
func (d *Decoder) Skipped() int { return d.skipped }

// ReadFrom copies r into the decoder until EOF and flushes.
func (d *Decoder) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(writerOnly{d}, r)
	if err == nil {
		d.Flush()
	}
	return n, err
}

func (d *Decoder) hold(p []byte) {
	if d.dropping {
		return
	}
	if len(d.buf)+len(p) > MaxLineBytes {
		d.log.Warn("dropping oversize stream line", "limit", MaxLineBytes)
		d.skipped++
		d.dropping = true
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf, p...)
}

func (d *Decoder) line(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		d.skipped++
		d.log.Warn("skipping malformed stream frame", "error", err, "bytes", len(raw))
		return
	}
	d.handle(frame)
}

// writerOnly hides ReadFrom so io.Copy does not recurse into it.
type writerOnly struct{ io.Writer }
