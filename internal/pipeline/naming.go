package pipeline

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agleyzer/vodgrab/internal/converter"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// baseName derives the artifact base name. A caller supplied name wins;
// otherwise the last URL path element plus a millisecond timestamp is used.
func baseName(requested, source string, now time.Time) string {
	if name := sanitize(strings.TrimSuffix(requested, filepath.Ext(requested))); name != "" {
		return name
	}

	tail := source
	if u, err := url.Parse(source); err == nil {
		tail = u.Path
	}
	tail = path.Base(tail)
	tail = sanitize(strings.TrimSuffix(tail, path.Ext(tail)))
	if tail == "" {
		tail = "video"
	}
	return fmt.Sprintf("%s_%d", tail, now.UnixMilli())
}

func sanitize(name string) string {
	clean := unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	return strings.Trim(clean, "._-")
}

// manualConversion renders the stream copy command for the user to run.
func manualConversion(ffmpeg, input, output string) string {
	args := converter.DefaultStrategies()[0].Args(input, output)
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(ffmpeg))
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'$\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
