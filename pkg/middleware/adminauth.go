package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuth guards admin routes with a static set of API keys. Only key
// digests are held in memory and comparisons run in constant time. With no
// keys configured every request passes.
func AdminAuth(keys []string) func(http.Handler) http.Handler {
	hashes := make([][sha256.Size]byte, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		hashes = append(hashes, HashKey(k))
	}

	return func(next http.Handler) http.Handler {
		if len(hashes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			got := HashKey(key)
			match := 0
			for i := range hashes {
				match |= subtle.ConstantTimeCompare(got[:], hashes[i][:])
			}
			if match != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashKey returns the SHA-256 digest of a raw API key.
func HashKey(raw string) [sha256.Size]byte {
	return sha256.Sum256([]byte(raw))
}

// extractAPIKey reads the key from Authorization: Bearer, then X-API-Key.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
