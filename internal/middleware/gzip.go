package middleware

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// Gzip returns a transparent gzip middleware. Telemetry CSV downloads are
// the main beneficiary.
func Gzip() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return gzhttp.GzipHandler(next)
	}
}
