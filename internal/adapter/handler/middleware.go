package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rl1809/seckill/internal/metrics"
	"github.com/rl1809/seckill/internal/port"
)

const identityKey = "identity"

// NotifySecretHeader carries the shared secret on payment callbacks.
const NotifySecretHeader = "X-Notify-Secret"

// Identity resolves who is calling and stores it under "identity". With a
// secret configured, a Bearer token's subject wins and an invalid token is
// rejected. Otherwise the caller is its client address, taken from the first
// X-Forwarded-For hop when present.
func Identity(jwtSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if jwtSecret != "" && strings.HasPrefix(auth, "Bearer ") {
				sub, err := subject(strings.TrimPrefix(auth, "Bearer "), jwtSecret)
				if err != nil {
					return c.JSON(http.StatusUnauthorized, response{Code: http.StatusUnauthorized, Message: "invalid token"})
				}
				c.Set(identityKey, sub)
				return next(c)
			}
			c.Set(identityKey, c.RealIP())
			return next(c)
		}
	}
}

func subject(raw, secret string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}

func identityOf(c echo.Context) string {
	id, _ := c.Get(identityKey).(string)
	return id
}

// RateLimit admits at most the limiter's threshold of requests per identity
// and path within its window. Limiter failures let the request through.
func RateLimit(limiter port.Limiter, rec *metrics.Recorder, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			allowed, err := limiter.Allow(ctx, identityOf(c), c.Request().URL.Path)
			if err != nil {
				logger.Warn("rate limiter unavailable, admitting request", zap.Error(err))
				return next(c)
			}
			if !allowed {
				rec.RateLimited(ctx, c.Path())
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, response{
					Code:    http.StatusTooManyRequests,
					Message: "too many requests, please retry shortly",
				})
			}
			return next(c)
		}
	}
}

// NotifySecret rejects payment callbacks that do not present secret in
// NotifySecretHeader. An empty secret accepts every caller, so the route must
// then only be reachable through the payment gateway.
func NotifySecret(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if secret == "" {
			return next
		}
		return func(c echo.Context) error {
			got := c.Request().Header.Get(NotifySecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				return c.String(http.StatusForbidden, "fail")
			}
			return next(c)
		}
	}
}
