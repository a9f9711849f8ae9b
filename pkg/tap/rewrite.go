package tap

import "github.com/polisai/polis-tap/pkg/domain"

// BodyBytesToString rewrites every populated body of trace from bytes to text when
// format is JSON_BODY_AS_STRING. The byte storage is moved, not copied. Other formats
// leave the trace untouched. Applying it twice is the same as applying it once.
func BodyBytesToString(trace Trace, format domain.OutputFormat) {
	if format != domain.FormatJSONBodyAsString {
		return
	}
	ForEachBody(trace, (*Body).moveToText)
}
