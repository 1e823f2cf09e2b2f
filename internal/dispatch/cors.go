package dispatch

import "net/http"

// applyCORS sets the permissive, uncredentialed CORS header pair the spec
// requires whenever a matched Route's opts.cors is true.
//
// See: https://developer.mozilla.org/en/docs/Web/HTTP/Access_control_CORS
func applyCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "*")
}
