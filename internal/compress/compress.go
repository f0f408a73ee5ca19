// Package compress negotiates and applies response body compression.
package compress

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"example.com/staticserve/internal/mimetype"
)

// Content codings the negotiator can select. The empty string means
// identity (no compression).
const (
	CodingIdentity = ""
	CodingGzip     = "gzip"
	CodingDeflate  = "deflate"
)

// Negotiator decides whether a response body gets compressed and with
// which coding. Only textual payloads within the size window qualify.
type Negotiator struct {
	enabled  bool
	minBytes int64
	maxBytes int64
}

// New builds a Negotiator. minBytes and maxBytes bound the payload sizes
// worth compressing, inclusive.
func New(enabled bool, minBytes, maxBytes int64) *Negotiator {
	return &Negotiator{enabled: enabled, minBytes: minBytes, maxBytes: maxBytes}
}

// Enabled reports whether compression is switched on at all.
func (n *Negotiator) Enabled() bool { return n.enabled }

// Negotiate returns the coding for a response of the given type and size:
// gzip when the client accepts it, deflate as the fallback, identity
// otherwise. A q=0 entry in Accept-Encoding disables that coding.
func (n *Negotiator) Negotiate(acceptEncoding, contentType string, size int64) string {
	if !n.enabled || acceptEncoding == "" {
		return CodingIdentity
	}
	if size < n.minBytes || size > n.maxBytes {
		return CodingIdentity
	}
	if !mimetype.IsTextual(contentType) {
		return CodingIdentity
	}

	codings := parseAcceptEncoding(acceptEncoding)
	if qValue(codings, CodingGzip) > 0 {
		return CodingGzip
	}
	if qValue(codings, CodingDeflate) > 0 {
		return CodingDeflate
	}
	return CodingIdentity
}

// AcceptsGzip reports whether the Accept-Encoding header admits gzip.
// Used for serving precompressed siblings, which bypasses the size and
// type checks of Negotiate.
func AcceptsGzip(acceptEncoding string) bool {
	if acceptEncoding == "" {
		return false
	}
	return qValue(parseAcceptEncoding(acceptEncoding), CodingGzip) > 0
}

func parseAcceptEncoding(header string) map[string]float64 {
	codings := make(map[string]float64)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := part
		q := 1.0
		if i := strings.IndexByte(part, ';'); i >= 0 {
			name = strings.TrimSpace(part[:i])
			for _, param := range strings.Split(part[i+1:], ";") {
				param = strings.TrimSpace(param)
				if v, ok := strings.CutPrefix(param, "q="); ok {
					if f, err := strconv.ParseFloat(v, 64); err == nil {
						q = f
					}
				}
			}
		}
		codings[strings.ToLower(name)] = q
	}
	return codings
}

func qValue(codings map[string]float64, name string) float64 {
	if q, ok := codings[name]; ok {
		return q
	}
	if q, ok := codings["*"]; ok {
		return q
	}
	return 0
}

// NewWriter wraps w with a compressor for the given coding. Closing the
// returned writer flushes the coding trailer without closing w. HTTP
// deflate is the zlib format.
func NewWriter(coding string, w io.Writer) (io.WriteCloser, error) {
	switch coding {
	case CodingGzip:
		return gzip.NewWriter(w), nil
	case CodingDeflate:
		return zlib.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unsupported content coding %q", coding)
}
