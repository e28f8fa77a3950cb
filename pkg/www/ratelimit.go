package www

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

// RateLimited wraps a route handler with a per-IP rate limiter.
// Each call creates a unique limiter, so every endpoint has its own budget.
// If requestLimit is zero or negative, the handler is returned unmodified.
func RateLimited(handle httprouter.Handle, requestLimit int, windowLength time.Duration) httprouter.Handle {
	if requestLimit <= 0 {
		return handle
	}
	limiter := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle(w, r, params)
		})).ServeHTTP(w, r)
	}
}
