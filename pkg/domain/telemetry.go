package domain

// AdminPublisher is the collaborator behind the admin streaming sink. Publish hands one
// serialized trace to the operator stream and must not block; it reports whether the
// payload was accepted. Ordering and drop policy are the publisher's concern.
type AdminPublisher interface {
	Publish(payload []byte) bool
}

// PublisherFunc adapts a function to AdminPublisher.
type PublisherFunc func(payload []byte) bool

// Publish calls f(payload).
func (f PublisherFunc) Publish(payload []byte) bool {
	return f(payload)
}
