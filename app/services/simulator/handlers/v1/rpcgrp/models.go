package rpcgrp

import "github.com/simchain/simchain/business/web/validate"

// rpcRequest is the envelope for a dispatch call. The method stays untyped
// on purpose: the executor is the one deciding what a valid name is.
type rpcRequest struct {
	Method any   `json:"method"`
	Params []any `json:"params"`
}

// Validate checks the request has the minimum shape to dispatch.
func (r rpcRequest) Validate() error {
	v := struct {
		Method any `validate:"required"`
	}{
		Method: r.Method,
	}

	return validate.Check(v)
}

// rpcResponse is the envelope for a dispatch result.
type rpcResponse struct {
	Result any `json:"result"`
}
