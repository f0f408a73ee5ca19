package staticfile

import (
	"fmt"
	"os"
	"strings"
)

// etagFor derives the weak validator from file metadata: size and mtime
// in hex. Content inspection never happens.
func etagFor(info os.FileInfo) string {
	return fmt.Sprintf("W/\"%x-%x\"", info.Size(), info.ModTime().UnixNano())
}

// etagMatches reports whether any member of an If-None-Match list equals
// the computed tag. Comparison is exact string equality on the full tag;
// a bare "*" matches anything.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
