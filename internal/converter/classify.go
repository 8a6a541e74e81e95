package converter

import "regexp"

// Cause is the likely reason a conversion failed, inferred from tool stderr.
type Cause string

const (
	CauseCorruptInput     Cause = "corrupt input"
	CauseDiskFull         Cause = "disk full"
	CausePermissionDenied Cause = "permission denied"
	CauseTruncatedInput   Cause = "truncated input"
	CauseUnknown          Cause = "unknown"
)

// Checked in order; the first match wins.
var causePatterns = []struct {
	cause Cause
	re    *regexp.Regexp
}{
	{CauseDiskFull, regexp.MustCompile(`(?i)no space left on device|disk quota exceeded`)},
	{CausePermissionDenied, regexp.MustCompile(`(?i)permission denied|operation not permitted`)},
	{CauseTruncatedInput, regexp.MustCompile(`(?i)end of file|truncat|partial file|moov atom not found`)},
	{CauseCorruptInput, regexp.MustCompile(`(?i)invalid data found|could not find codec parameters|non-existing pps|error while decoding|corrupt|packet mismatch`)},
}

// Classify returns the likely cause of a failure from the tool's stderr.
func Classify(stderr string) Cause {
	for _, p := range causePatterns {
		if p.re.MatchString(stderr) {
			return p.cause
		}
	}
	return CauseUnknown
}

// Hint returns a short remediation for a cause.
func (c Cause) Hint() string {
	switch c {
	case CauseCorruptInput:
		return "the downloaded stream contains damaged packets; try downloading again"
	case CauseDiskFull:
		return "free disk space in the output directory"
	case CausePermissionDenied:
		return "check write permissions on the output directory"
	case CauseTruncatedInput:
		return "the stream ended early; some segments may be missing"
	default:
		return "inspect the ffmpeg error output"
	}
}
