package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/seamopt/internal/logging"
)

// Recover converts a recovered panic value into an error. Invariant
// violations keep their original *Error; anything else is re-panicked so
// genuine programming faults are not swallowed.
func Recover(rec interface{}) error {
	switch v := rec.(type) {
	case nil:
		return nil
	case *Error:
		return v
	default:
		panic(rec)
	}
}

// RecoveryMiddleware returns a middleware that recovers from panics.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := map[string]interface{}{
						"error": fmt.Sprintf("%v", rec),
						"stack": string(debug.Stack()),
					}

					if r != nil {
						fields["method"] = r.Method
						fields["path"] = r.URL.Path
						fields["query"] = r.URL.RawQuery
					}

					logger.Error("Recovered from panic", fields)

					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
