// Package rpcgrp maintains the group of handlers for chain access over
// JSON-RPC style dispatch.
package rpcgrp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/simchain/simchain/business/web/errs"
	"github.com/simchain/simchain/foundation/chain/executor"
	"github.com/simchain/simchain/foundation/chain/mempool"
	"github.com/simchain/simchain/foundation/chain/state"
	"github.com/simchain/simchain/foundation/events"
	"github.com/simchain/simchain/foundation/web"
)

// Handlers manages the set of chain endpoints.
type Handlers struct {
	Log      *zap.SugaredLogger
	State    *state.State
	Executor *executor.Executor
	Evts     *events.Bus
	WS       websocket.Upgrader
}

// RPC dispatches a method call into the chain through the executor
// whitelist.
func (h Handlers) RPC(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var req rpcRequest
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	h.Log.Infow("rpc dispatch", "traceid", v.TraceID, "method", req.Method)

	result, err := h.Executor.Call(req.Method, req.Params)
	if err != nil {
		var invalid *executor.InvalidMethodError
		switch {
		case errors.As(err, &invalid):
			return errs.NewTrusted(err, http.StatusBadRequest)

		case errors.Is(err, mempool.ErrRejected):
			return errs.NewTrusted(err, http.StatusBadRequest)

		case errors.Is(err, state.ErrNilSnapshotID):
			return errs.NewTrusted(err, http.StatusBadRequest)
		}

		return err
	}

	return web.Respond(ctx, w, rpcResponse{Result: result}, http.StatusOK)
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}
