// Package buffer provides the non-contiguous byte sequences handed to taps by the data path.
package buffer

// Instance is a read-only view over a sequence of physical byte slices. Taps copy
// from it without ever flattening it.
type Instance interface {
	// Len returns the total number of bytes across all slices.
	Len() int
	// Slices returns the physical slices in order. Callers must not modify them.
	Slices() [][]byte
}

// Chain is an Instance backed by a list of slices appended as data arrives.
type Chain struct {
	slices [][]byte
	length int
}

// NewChain returns a chain holding the given slices. Empty slices are dropped.
func NewChain(slices ...[]byte) *Chain {
	c := &Chain{}
	for _, s := range slices {
		c.Append(s)
	}
	return c
}

// Append adds p as a new physical slice without copying it.
func (c *Chain) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	c.slices = append(c.slices, p)
	c.length += len(p)
}

// Len implements Instance.
func (c *Chain) Len() int {
	return c.length
}

// Slices implements Instance.
func (c *Chain) Slices() [][]byte {
	return c.slices
}

// Bytes flattens the chain into a fresh slice.
func (c *Chain) Bytes() []byte {
	out := make([]byte, 0, c.length)
	for _, s := range c.slices {
		out = append(out, s...)
	}
	return out
}

// Reset drops every slice.
func (c *Chain) Reset() {
	c.slices = nil
	c.length = 0
}

// Bytes is a single contiguous Instance.
type Bytes []byte

// Len implements Instance.
func (b Bytes) Len() int {
	return len(b)
}

// Slices implements Instance.
func (b Bytes) Slices() [][]byte {
	if len(b) == 0 {
		return nil
	}
	return [][]byte{b}
}
