package mid

import (
	"context"
	"net/http"

	"github.com/archethic/node/business/web/errs"
	"github.com/archethic/node/foundation/web"
	"go.uber.org/zap"
)

// Errors handles errors coming out of the call chain. It detects normal
// application errors which are used to respond to the client in a uniform
// way. Unexpected errors (status >= 500) are logged.
func Errors(log *zap.SugaredLogger) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			err := handler(ctx, w, r)
			if err == nil {
				return nil
			}

			v, verr := web.GetValues(ctx)
			if verr != nil {
				return verr
			}

			log.Errorw("ERROR", "traceid", v.TraceID, "message", err)

			if re, ok := errs.IsRequestError(err); ok {
				return web.RespondError(ctx, w, re.Err, re.Status)
			}

			return web.RespondError(ctx, w, err, http.StatusInternalServerError)
		}

		return h
	}

	return m
}
