package tap

import "errors"

// ErrTraceDropped reports that the admin streamer refused a trace because its queue was full.
var ErrTraceDropped = errors.New("trace dropped by admin streamer")
