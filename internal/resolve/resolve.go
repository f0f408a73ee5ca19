// Package resolve maps escaped request paths onto filesystem paths
// confined to a document root.
package resolve

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Classification errors for request path resolution. The dispatcher maps
// these onto 400, 403 and 404 responses.
var (
	ErrMalformed = errors.New("malformed request path")
	ErrForbidden = errors.New("path not accessible")
	ErrNotFound  = errors.New("no such file or directory")
)

// Result is a resolved filesystem target.
type Result struct {
	// Path is the absolute filesystem path under the document root.
	Path string
	// Info is the stat result for Path.
	Info os.FileInfo
}

// Resolver confines request paths to a single document root.
type Resolver struct {
	root string
}

// New returns a Resolver for the given absolute document root.
func New(root string) *Resolver {
	return &Resolver{root: filepath.Clean(root)}
}

// Root returns the document root.
func (r *Resolver) Root() string { return r.root }

// Resolve percent-decodes the escaped request path exactly once,
// normalizes it and stats the target. The returned error wraps
// ErrMalformed for undecodable or NUL-bearing paths, ErrForbidden for
// paths escaping the root or denied by the OS, and ErrNotFound for
// absent targets; anything else is an I/O failure.
func (r *Resolver) Resolve(escaped string) (*Result, error) {
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.ContainsRune(decoded, 0) {
		return nil, fmt.Errorf("%w: NUL byte in path", ErrMalformed)
	}

	clean := path.Clean("/" + decoded)
	fsPath := filepath.Join(r.root, filepath.FromSlash(clean))

	// Containment is re-checked on the joined path rather than trusting
	// the normalization above.
	if fsPath != r.root && !strings.HasPrefix(fsPath, r.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, clean)
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		case os.IsPermission(err):
			return nil, fmt.Errorf("%w: %s", ErrForbidden, clean)
		default:
			return nil, fmt.Errorf("stat %s: %w", fsPath, err)
		}
	}
	return &Result{Path: fsPath, Info: info}, nil
}
