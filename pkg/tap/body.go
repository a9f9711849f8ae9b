package tap

import (
	"fmt"
	"unsafe"

	"github.com/polisai/polis-tap/pkg/buffer"
)

// DefaultMaxBufferedBytes is the per-direction budget applied when a tap config leaves
// max_buffered_rx_bytes or max_buffered_tx_bytes unset.
const DefaultMaxBufferedBytes = 32 * 1024

// Body holds captured payload bytes. Exactly one representation is populated at a time:
// raw bytes while capturing, or text after the body has been rewritten for
// JSON_BODY_AS_STRING output.
type Body struct {
	data   []byte
	text   string
	isText bool

	// Truncated is set when fewer bytes were copied than the data path offered.
	Truncated bool
}

// NewBody returns an empty body in byte form.
func NewBody() *Body {
	return &Body{}
}

// BytesBody returns a body holding p. The body takes ownership of p.
func BytesBody(p []byte, truncated bool) *Body {
	return &Body{data: p, Truncated: truncated}
}

// TextBody returns a body already in text form.
func TextBody(s string, truncated bool) *Body {
	return &Body{text: s, isText: true, Truncated: truncated}
}

// Bytes returns the byte representation. It is nil once the body holds text.
func (b *Body) Bytes() []byte {
	return b.data
}

// Text returns the text representation and whether the body is in text form.
func (b *Body) Text() (string, bool) {
	return b.text, b.isText
}

// IsText reports whether the body has been rewritten to text.
func (b *Body) IsText() bool {
	return b.isText
}

// Len returns the number of captured bytes in whichever representation is populated.
func (b *Body) Len() int {
	if b.isText {
		return len(b.text)
	}
	return len(b.data)
}

// moveToText transfers the byte storage into the text representation without copying.
// The byte slice is released so the string is the sole owner of the storage.
func (b *Body) moveToText() {
	if b.isText {
		return
	}
	b.text = unsafe.String(unsafe.SliceData(b.data), len(b.data))
	b.data = nil
	b.isText = true
}

// AddBufferToBody appends min(maxBufferedBytes, length) bytes starting at offset of data
// to the body's byte representation. The copy walks the physical slices of data
// directly. It returns true, and sets body.Truncated, when fewer than length bytes were
// copied. Truncated is never cleared once set.
//
// The caller must guarantee offset+length <= data.Len() and that the body is in byte
// form; violations panic.
func AddBufferToBody(body *Body, maxBufferedBytes int, data buffer.Instance, offset, length int) bool {
	if body == nil {
		panic("tap: add buffer to nil body")
	}
	if body.isText {
		panic("tap: add buffer to a body already rewritten to text")
	}
	if offset < 0 || length < 0 || offset+length > data.Len() {
		panic(fmt.Sprintf("tap: copy range [%d, %d) outside buffer of %d bytes", offset, offset+length, data.Len()))
	}

	toCopy := min(max(maxBufferedBytes, 0), length)
	if toCopy > 0 {
		body.data = appendRange(body.data, data.Slices(), offset, toCopy)
	}

	if toCopy < length {
		body.Truncated = true
		return true
	}
	return false
}

func appendRange(dst []byte, slices [][]byte, offset, n int) []byte {
	dst = growBytes(dst, n)
	for _, slice := range slices {
		if n == 0 {
			break
		}
		if offset >= len(slice) {
			offset -= len(slice)
			continue
		}
		chunk := slice[offset:]
		offset = 0
		if len(chunk) > n {
			chunk = chunk[:n]
		}
		dst = append(dst, chunk...)
		n -= len(chunk)
	}
	return dst
}

func growBytes(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b
	}
	grown := make([]byte, len(b), len(b)+n)
	copy(grown, b)
	return grown
}

// Budget tracks how many bytes a session may still capture in one direction. The budget
// is cumulative for the lifetime of the session.
type Budget struct {
	limit     int
	remaining int
}

// NewBudget returns a budget allowing limit bytes.
func NewBudget(limit int) *Budget {
	limit = max(limit, 0)
	return &Budget{limit: limit, remaining: limit}
}

// Limit returns the configured maximum.
func (b *Budget) Limit() int {
	return b.limit
}

// Remaining returns the bytes still available.
func (b *Budget) Remaining() int {
	return b.remaining
}

// Exhausted reports whether no bytes remain.
func (b *Budget) Exhausted() bool {
	return b.remaining == 0
}

// Copy appends up to the remaining budget from data[offset:offset+length] to body and
// charges the copied bytes against the budget. It returns whether the copy truncated.
func (b *Budget) Copy(body *Body, data buffer.Instance, offset, length int) bool {
	before := len(body.data)
	truncated := AddBufferToBody(body, b.remaining, data, offset, length)
	b.remaining -= len(body.data) - before
	return truncated
}

// CopyAll is Copy over the whole of data.
func (b *Budget) CopyAll(body *Body, data buffer.Instance) bool {
	return b.Copy(body, data, 0, data.Len())
}
