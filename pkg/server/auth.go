package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingToken = errors.New("client did not provide a bearer token")

// authorize wraps next with bearer token verification when the server has a JWT secret.
func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if s.secret == nil {
			next(w, req)
			return
		}
		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, ErrMissingToken)
			return
		}
		_, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, fmt.Errorf("invalid bearer token: %w", err))
			return
		}
		next(w, req)
	}
}
