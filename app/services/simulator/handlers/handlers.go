// Package handlers manages the different versions of the API.
package handlers

import (
	"context"
	"net/http"
	"os"

	"go.uber.org/zap"

	v1 "github.com/simchain/simchain/app/services/simulator/handlers/v1"
	"github.com/simchain/simchain/business/web/mid"
	"github.com/simchain/simchain/foundation/chain/executor"
	"github.com/simchain/simchain/foundation/chain/state"
	"github.com/simchain/simchain/foundation/events"
	"github.com/simchain/simchain/foundation/web"
)

// MuxConfig contains all the mandatory systems required by handlers.
type MuxConfig struct {
	Shutdown chan os.Signal
	Log      *zap.SugaredLogger
	State    *state.State
	Executor *executor.Executor
	Evts     *events.Bus
}

// PublicMux constructs a http.Handler with all application routes defined.
func PublicMux(cfg MuxConfig) http.Handler {

	// Construct the web.App which holds all routes as well as common
	// Middleware.
	app := web.NewApp(
		cfg.Shutdown,
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Cors("*"),
		mid.Panics(),
	)

	// Accept CORS 'OPTIONS' preflight requests.
	h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		return nil
	}
	app.Handle(http.MethodOptions, "", "/*path", h, mid.Cors("*"))

	// Load the v1 routes.
	v1.Routes(app, v1.Config{
		Log:      cfg.Log,
		State:    cfg.State,
		Executor: cfg.Executor,
		Evts:     cfg.Evts,
	})

	return app
}
