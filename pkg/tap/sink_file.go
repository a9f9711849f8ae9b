package tap

import (
	"fmt"
	"os"
	"strconv"

	"github.com/polisai/polis-tap/pkg/domain"
)

// FilePerTapSink writes each session's traces to its own file named
// <path_prefix>_<trace_id><ext>, where ext follows the output format.
type FilePerTapSink struct {
	pathPrefix string
}

// NewFilePerTapSink returns a sink writing under pathPrefix.
func NewFilePerTapSink(pathPrefix string) *FilePerTapSink {
	return &FilePerTapSink{pathPrefix: pathPrefix}
}

func (*FilePerTapSink) sink() {}

// Name implements Sink.
func (*FilePerTapSink) Name() string { return "file_per_tap" }

// PathPrefix returns the configured prefix.
func (s *FilePerTapSink) PathPrefix() string {
	return s.pathPrefix
}

// Path returns the file a session with traceID writes in format.
func (s *FilePerTapSink) Path(traceID uint64, format domain.OutputFormat) string {
	return s.pathPrefix + "_" + strconv.FormatUint(traceID, 10) + format.FileExtension()
}

// CreatePerTapSinkHandle implements Sink. The file is not opened until the first trace
// is submitted.
func (s *FilePerTapSink) CreatePerTapSinkHandle(traceID uint64, _ TraceKind) SinkHandle {
	return &fileSinkHandle{sink: s, traceID: traceID}
}

type fileSinkHandle struct {
	sink    *FilePerTapSink
	traceID uint64
	file    *os.File
	openErr error
	closed  bool
}

func (h *fileSinkHandle) SubmitTrace(trace Trace, format domain.OutputFormat) error {
	if h.closed {
		return domain.ErrSinkClosed
	}
	if err := h.open(format); err != nil {
		return err
	}
	return Encode(h.file, trace, format)
}

// open creates the file on first use. A failed open is remembered and never retried.
func (h *fileSinkHandle) open(format domain.OutputFormat) error {
	if h.file != nil {
		return nil
	}
	if h.openErr != nil {
		return h.openErr
	}
	path := h.sink.Path(h.traceID, format)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		h.openErr = fmt.Errorf("open tap file %s: %w", path, err)
		return h.openErr
	}
	h.file = f
	return nil
}

func (h *fileSinkHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.file == nil {
		return nil
	}
	if err := h.file.Close(); err != nil {
		return fmt.Errorf("close tap file: %w", err)
	}
	return nil
}
