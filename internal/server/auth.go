package server

import (
	"crypto/subtle"
	"net/http"
)

// checkAuth validates Basic credentials against the configured pair and
// reports whether the pipeline may continue. Missing credentials get the
// challenge header; a mismatch does not, so clients cannot distinguish a
// rejected pair from a prompt.
func (d *Dispatcher) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="staticserve"`)
		WriteErrorResponse(w, r, http.StatusUnauthorized, "authentication required", d.log)
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(d.cfg.Auth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(d.cfg.Auth.Password)) == 1
	if !userOK || !passOK {
		WriteErrorResponse(w, r, http.StatusUnauthorized, "invalid credentials", d.log)
		return false
	}
	return true
}
