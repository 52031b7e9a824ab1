package mid

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/simchain/simchain/business/web/errs"
	"github.com/simchain/simchain/foundation/web"
)

// Errors handles errors coming out of the call chain. It detects normal
// application errors which are used to respond to the client in a uniform
// way. Unexpected errors (status >= 500) are logged.
func Errors(log *zap.SugaredLogger) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			v, err := web.GetValues(ctx)
			if err != nil {
				return web.NewShutdownError("web value missing from context")
			}

			if err := handler(ctx, w, r); err != nil {
				log.Errorw("ERROR", "traceid", v.TraceID, "message", err)

				var resp errs.Response
				var status int

				switch {
				case errs.IsTrusted(err):
					trusted := errs.GetTrusted(err)
					resp = errs.Response{Error: trusted.Error()}
					status = trusted.Status

				default:
					resp = errs.Response{Error: http.StatusText(http.StatusInternalServerError)}
					status = http.StatusInternalServerError
				}

				if err := web.Respond(ctx, w, resp, status); err != nil {
					return err
				}

				// The shutdown error still needs to make it to the app.
				if web.IsShutdown(err) {
					return err
				}
			}

			return nil
		}

		return h
	}

	return m
}
