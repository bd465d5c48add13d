package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

func SetupLogger(level string) zerolog.Logger {
	return NewLogger(os.Stdout, level)
}

// NewLogger builds a JSON logger on w. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().Timestamp().Str("service", "gaterelay").Logger().Level(lvl)
}

// Logger returns a middleware that logs per-request with duration and status.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.NewHandler(logger)(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", status).
					Int("size", size).
					Dur("dur", duration).
					Msg("req")
			})(
				hlog.UserAgentHandler("ua")(
					hlog.RefererHandler("referer")(
						hlog.RequestIDHandler("req_id", "X-Request-ID")(next),
					),
				),
			),
		)
		return h
	}
}
