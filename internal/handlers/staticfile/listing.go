package staticfile

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/dustin/go-humanize"

	"example.com/staticserve/internal/logger"
	"example.com/staticserve/internal/resolve"
)

// listingBatchSize bounds how many directory entries are held in memory
// at once while a listing streams out.
const listingBatchSize = 128

// serveListing streams the directory index as HTML, one enumeration
// batch at a time. Entries appear in readdir order.
func (h *Handler) serveListing(w http.ResponseWriter, r *http.Request, res *resolve.Result) {
	dir, err := os.Open(res.Path)
	if err != nil {
		status, detail := http.StatusInternalServerError, "could not open directory"
		if os.IsPermission(err) {
			status, detail = http.StatusForbidden, "access denied"
		}
		h.log.Warn("directory open failed", logger.LogFields{"path": res.Path, "error": err.Error()})
		h.errorPage(w, r, status, detail)
		return
	}
	defer dir.Close()

	display := html.EscapeString(r.URL.Path)

	hdr := w.Header()
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	flusher, _ := w.(http.Flusher)

	fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>Index of %s</title></head>\n<body>\n<h1>Index of %s</h1>\n<ul>\n", display, display)
	if r.URL.Path != "/" {
		io.WriteString(w, "<li><a href=\"../\">../</a></li>\n")
	}

	for {
		entries, rerr := dir.ReadDir(listingBatchSize)
		for _, ent := range entries {
			name := ent.Name()
			href := url.PathEscape(name)
			label := html.EscapeString(name)
			size := "-"
			if ent.IsDir() {
				href += "/"
				label += "/"
			} else if info, ierr := ent.Info(); ierr == nil {
				size = humanize.IBytes(uint64(info.Size()))
			}
			line := fmt.Sprintf("<li><a href=\"%s\">%s</a> <span>%s</span></li>\n", html.EscapeString(href), label, size)
			if _, werr := io.WriteString(w, line); werr != nil {
				h.abort(r, "listing write", werr)
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			h.log.Error("directory read failed", logger.LogFields{"path": res.Path, "error": rerr.Error()})
			io.WriteString(w, "<li><span>error reading directory</span></li>\n")
			break
		}
	}
	io.WriteString(w, "</ul>\n</body>\n</html>\n")
}
