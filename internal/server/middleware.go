package server

import (
	"net/http"
	"slices"

	"github.com/go-chi/jwtauth/v5"

	"github.com/Brownie44l1/ranjana-api/internal/config"
)

const (
	JwtAlg        = "HS256"
	VersionHeader = "X-Ranjana-Version"
)

// CORS answers preflight requests and sets the allow headers for origins.
// "*" allows any origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func SendVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(VersionHeader, config.VersionString)
		next.ServeHTTP(w, r)
	})
}

func JWTVerifier(secret string) func(http.Handler) http.Handler {
	return jwtauth.Verifier(jwtauth.New(JwtAlg, []byte(secret), nil))
}

// GenerateJWT issues a token for subject signed with secret.
func GenerateJWT(secret, subject string) (string, error) {
	tokenAuth := jwtauth.New(JwtAlg, []byte(secret), nil)
	claims := map[string]interface{}{}
	if subject != "" {
		claims["sub"] = subject
	}
	_, tokenString, err := tokenAuth.Encode(claims)
	return tokenString, err
}
