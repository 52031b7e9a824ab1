// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/simchain/simchain/app/services/simulator/handlers/v1/rpcgrp"
	"github.com/simchain/simchain/foundation/chain/executor"
	"github.com/simchain/simchain/foundation/chain/state"
	"github.com/simchain/simchain/foundation/events"
	"github.com/simchain/simchain/foundation/web"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log      *zap.SugaredLogger
	State    *state.State
	Executor *executor.Executor
	Evts     *events.Bus
}

// Routes binds all the version 1 routes.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	rpc := rpcgrp.Handlers{
		Log:      cfg.Log,
		State:    cfg.State,
		Executor: cfg.Executor,
		Evts:     cfg.Evts,
	}

	app.Handle(http.MethodPost, version, "/rpc", rpc.RPC)
	app.Handle(http.MethodGet, version, "/events", rpc.Events)
}
