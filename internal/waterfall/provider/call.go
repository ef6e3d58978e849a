package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/model"
)

type callResult struct {
	resp *Response
	err  error
}

// Invoke calls a.Request bounded by timeout. The call runs in its own
// goroutine so an adapter that ignores its context still cannot hold the
// waterfall past the deadline. Panics and malformed responses come back as
// *ContractViolation; a missed deadline comes back as ErrTimeout.
func Invoke(ctx context.Context, a Adapter, field string, identity model.ContactIdentity, timeout time.Duration) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: &ContractViolation{Provider: a.Name(), Reason: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		resp, err := a.Request(callCtx, field, identity)
		done <- callResult{resp: resp, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(ErrTimeout, "%s after %s", a.Name(), timeout)
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if Classify(res.err) == FailureContract {
			var cv *ContractViolation
			if errors.As(res.err, &cv) {
				return nil, res.err
			}
			return nil, &ContractViolation{Provider: a.Name(), Reason: "untyped error: " + res.err.Error()}
		}
		return nil, res.err
	}
	if res.resp == nil {
		return nil, &ContractViolation{Provider: a.Name(), Reason: "nil response without error"}
	}
	if err := res.resp.Validate(); err != nil {
		return nil, &ContractViolation{Provider: a.Name(), Reason: err.Error()}
	}
	out := *res.resp
	if out.LatencyMs == 0 {
		out.LatencyMs = time.Since(start).Milliseconds()
	}
	return &out, nil
}
