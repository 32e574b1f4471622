// Package cors holds the fixed permissive CORS policy the proxy applies to
// everything it returns. Proxy output is consumed cross-origin by arbitrary
// callers.
package cors

import "net/http"

// AllowedMethods is advertised in preflight responses.
const AllowedMethods = "GET,OPTIONS,PATCH,DELETE,POST,PUT"

// Apply sets the headers attached to every proxied response.
func Apply(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", "*")
}

// ApplyPreflight sets the headers of an OPTIONS preflight response.
func ApplyPreflight(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", AllowedMethods)
	h.Set("Access-Control-Allow-Headers", "*")
}
