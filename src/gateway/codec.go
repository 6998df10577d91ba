package gateway

import (
	"bytes"
	"errors"
	"io"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/flate"

	"github.com/mrvillage/quarrel-go/src/structs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// zlibSuffix terminates every complete unit of a zlib-stream: the empty
// stored block emitted by a sync flush.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

const windowSize = 32 * 1024

// FrameCodec reassembles gateway messages into frames. Binary messages are
// fragments of one zlib stream spanning the whole connection; fragments
// accumulate until the sync flush suffix is seen, then the buffered unit is
// inflated and decoded. Text messages decode directly.
//
// A sync flush leaves the deflate stream at a byte-aligned block boundary
// with only the 32 KiB sliding window as carried state, so each unit is
// inflated with the tail of previously decompressed output as a preset
// dictionary. The 2-byte zlib header is stripped from the first unit; the
// adler trailer never arrives on a live stream.
type FrameCodec struct {
	buf     bytes.Buffer
	window  []byte
	started bool
}

func NewFrameCodec() *FrameCodec {
	return &FrameCodec{}
}

// Reset discards all decompression state. Must be called whenever the
// session replaces its socket: the zlib stream is per-connection.
func (c *FrameCodec) Reset() {
	c.buf.Reset()
	c.window = nil
	c.started = false
}

// Feed consumes one websocket message and returns a decoded frame, or nil
// when the message was an incomplete fragment. Any decode failure is fatal
// for the connection.
func (c *FrameCodec) Feed(messageType int, data []byte) (*structs.RawEvent, error) {
	if messageType == websocket.TextMessage {
		return c.decode(data)
	}

	// Fragments may split anywhere, including inside the suffix, so the
	// completeness check runs against the accumulated buffer's tail.
	c.buf.Write(data)
	if c.buf.Len() < 4 || !bytes.HasSuffix(c.buf.Bytes(), zlibSuffix) {
		return nil, nil
	}

	unit := c.buf.Bytes()
	if !c.started {
		if len(unit) < 2 {
			return nil, ErrDecode
		}
		unit = unit[2:] // zlib CMF/FLG header
		c.started = true
	}

	fr := flate.NewReaderDict(bytes.NewReader(unit), c.window)
	text, err := io.ReadAll(fr)
	// The unit ends mid-stream at the flush point, so the reader runs out of
	// input after producing all of the unit's output.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	c.slide(text)
	c.buf.Reset()

	return c.decode(text)
}

func (c *FrameCodec) decode(data []byte) (*structs.RawEvent, error) {
	var e structs.RawEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// slide appends decompressed output to the dictionary, keeping the last
// 32 KiB.
func (c *FrameCodec) slide(out []byte) {
	if len(out) >= windowSize {
		c.window = append(c.window[:0], out[len(out)-windowSize:]...)
		return
	}
	c.window = append(c.window, out...)
	if len(c.window) > windowSize {
		c.window = c.window[len(c.window)-windowSize:]
	}
}
