package middleware

import (
	"net/http"

	"github.com/rpattn/ddfstore/internal/domain"
	"github.com/rpattn/ddfstore/internal/originloader"
	"github.com/rpattn/ddfstore/internal/repository"
)

// OriginLoaderMiddleware attaches a fresh origin loader registry to every
// request so entity lookups issued while assembling one response are batched
// and cached together.
func OriginLoaderMiddleware(entities *repository.Versioned[domain.Entity]) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := originloader.WithRegistry(r.Context(), originloader.NewRegistry(entities))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
