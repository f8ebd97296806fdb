package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const headerAPIKey = "X-API-Key"

// requireAuth accepts the static API key (X-API-Key or bearer) or an HS256 bearer JWT with a
// valid exp claim.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		req := e.Request()

		if key := req.Header.Get(headerAPIKey); key != "" {
			if s.validAPIKey(key) {
				return next(e)
			}
			authFailures.WithLabelValues("api_key").Inc()
			return unauthorized(e)
		}

		token, ok := strings.CutPrefix(req.Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || token == "" {
			authFailures.WithLabelValues("missing").Inc()
			return unauthorized(e)
		}

		if s.validAPIKey(token) {
			return next(e)
		}

		if len(s.jwtSecret) > 0 {
			err := s.validateJWT(token)
			if err == nil {
				return next(e)
			}
			s.logger.Debug("rejected bearer token", "error", err)
		}

		authFailures.WithLabelValues("bearer").Inc()
		return unauthorized(e)
	}
}

func (s *Server) validAPIKey(key string) bool {
	if s.settings.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.settings.APIKey)) == 1
}

func (s *Server) validateJWT(token string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	return err
}

func unauthorized(e echo.Context) error {
	e.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
	return e.JSON(http.StatusUnauthorized, makeErrorJson("Not authenticated"))
}
