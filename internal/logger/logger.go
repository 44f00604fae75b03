package logger

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// New builds a JSON production logger at the given level name.
func New(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

// RequestLogger logs every HTTP request once it has been served.
func RequestLogger(zl *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_ip", c.RealIP()),
			}
			if id, ok := c.Get("identity").(string); ok {
				fields = append(fields, zap.String("identity", id))
			}

			switch status := c.Response().Status; {
			case status >= 500:
				zl.Error("http request", fields...)
			case status >= 400:
				zl.Warn("http request", fields...)
			default:
				zl.Info("http request", fields...)
			}
			return nil
		}
	}
}
