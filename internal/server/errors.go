package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/staticserve/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail is the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON is the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultHTMLMessages maps the status codes the pipeline produces to
// their HTML error pages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot process the request due to a client error.",
	},
	http.StatusUnauthorized: {
		Title:   "401 Unauthorized",
		Heading: "Unauthorized",
		Message: "Valid credentials are required to access this resource.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusBadGateway: {
		Title:   "502 Bad Gateway",
		Heading: "Bad Gateway",
		Message: "The upstream server could not be reached.",
	},
}

// PrefersJSON reports whether an Accept header prefers application/json
// over HTML for error bodies. Offers are ranked by q-value, then
// specificity, then position in the header; q=0 entries are ignored.
// An empty or wildcard-only header keeps the HTML default.
func PrefersJSON(accept string) bool {
	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mediaType := part
		q := 1.0
		if idx := strings.IndexByte(part, ';'); idx >= 0 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if v, ok := strings.CutPrefix(param, "q="); ok {
					parsed, err := strconv.ParseFloat(v, 64)
					if err != nil || parsed < 0 || parsed > 1 {
						q = 0
					} else {
						q = parsed
					}
					break
				}
			}
		}
		if q <= 0 {
			continue
		}
		mediaType = strings.ToLower(mediaType)
		offers = append(offers, offer{
			mediaType: mediaType,
			q:         q,
			specific:  mediaType != "*/*" && !strings.HasSuffix(mediaType, "/*"),
			order:     i,
		})
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})

	top := offers[0].mediaType
	return top == "application/json" || top == "application/*"
}

// WriteErrorResponse renders the error page for statusCode, negotiating
// JSON against HTML on the request's Accept header. Error pages are
// never cacheable. r may be nil when no request context exists.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, detail string, log *logger.Logger) {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	accept := ""
	if r != nil {
		accept = r.Header.Get("Accept")
	}

	var body []byte
	contentType := "text/html; charset=utf-8"

	if PrefersJSON(accept) {
		payload, err := jsonMarshalFunc(ErrorResponseJSON{
			Error: ErrorDetail{StatusCode: statusCode, Message: statusText, Detail: detail},
		})
		if err == nil {
			contentType = "application/json; charset=utf-8"
			body = payload
		} else if log != nil {
			log.Error("error page JSON marshal failed, falling back to HTML", logger.LogFields{
				"status": statusCode,
				"error":  err.Error(),
			})
		}
	}

	if body == nil {
		title, heading, message := htmlErrorParts(statusCode, statusText, detail)
		body = renderHTMLError(title, heading, message)
	}

	hdr := w.Header()
	hdr.Set("Content-Type", contentType)
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	hdr.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Expires", "0")
	w.WriteHeader(statusCode)

	if r != nil && r.Method == http.MethodHead {
		return
	}
	w.Write(body)
}

func htmlErrorParts(statusCode int, statusText, detail string) (title, heading, message string) {
	if info, ok := defaultHTMLMessages[statusCode]; ok {
		title, heading, message = info.Title, info.Heading, info.Message
		if detail != "" {
			message = message + " " + html.EscapeString(detail)
		}
		return
	}
	title = fmt.Sprintf("%d %s", statusCode, statusText)
	heading = statusText
	message = "The server encountered an error processing your request."
	if detail != "" {
		message = html.EscapeString(detail)
	}
	return
}

func renderHTMLError(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(
		"<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(heading), message))
}
