package tap

import (
	"fmt"

	"github.com/polisai/polis-tap/pkg/domain"
)

// AdminStreamingSink forwards every submitted trace, serialized as JSON, to the admin
// streamer attached when the config was built.
type AdminStreamingSink struct {
	publisher domain.AdminPublisher
}

// NewAdminStreamingSink returns a sink publishing to publisher, which must not be nil.
func NewAdminStreamingSink(publisher domain.AdminPublisher) *AdminStreamingSink {
	if publisher == nil {
		panic("tap: admin streaming sink requires a publisher")
	}
	return &AdminStreamingSink{publisher: publisher}
}

func (*AdminStreamingSink) sink() {}

// Name implements Sink.
func (*AdminStreamingSink) Name() string { return "streaming_admin" }

// CreatePerTapSinkHandle implements Sink.
func (s *AdminStreamingSink) CreatePerTapSinkHandle(_ uint64, _ TraceKind) SinkHandle {
	return &adminSinkHandle{publisher: s.publisher}
}

type adminSinkHandle struct {
	publisher domain.AdminPublisher
	closed    bool
}

func (h *adminSinkHandle) SubmitTrace(trace Trace, format domain.OutputFormat) error {
	if h.closed {
		return domain.ErrSinkClosed
	}
	if !format.IsJSON() {
		panic(fmt.Sprintf("tap: admin streaming sink given non-JSON format %s", format))
	}
	payload, err := Marshal(trace, format)
	if err != nil {
		return err
	}
	if !h.publisher.Publish(payload) {
		return ErrTraceDropped
	}
	return nil
}

func (h *adminSinkHandle) Close() error {
	h.closed = true
	return nil
}
