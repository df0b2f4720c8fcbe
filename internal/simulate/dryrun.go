package simulate

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/txfirewall/internal/advisory"
	"github.com/mbd888/txfirewall/internal/chain"
	"github.com/mbd888/txfirewall/internal/intent"
	"github.com/mbd888/txfirewall/internal/logging"
	"github.com/mbd888/txfirewall/internal/metrics"
	"github.com/mbd888/txfirewall/internal/retry"
	"github.com/mbd888/txfirewall/internal/traces"
)

var (
	errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector = []byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

// Simulate dry-runs in against the latest block. A node-level rejection
// fails the simulation; a successful call whose return data merely encodes
// a revert or panic stays successful with a warning.
func (s *Simulator) Simulate(ctx context.Context, in intent.Intent) Outcome {
	ctx, span := traces.StartSpan(ctx, "simulate.dry_run", traces.To(in.To))
	defer span.End()

	if s.chain == nil {
		return Outcome{
			Warnings: []advisory.Warning{},
			Error:    &SimulationError{Kind: FailureUnknown, Err: ErrNoChain},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	msg := callMsg(in, "")
	var (
		ret      []byte
		attempts int
	)
	err := retry.Do(ctx, s.cfg.MaxRetries, retry.Linear(s.cfg.RetryDelay), func(attempt int) error {
		attempts = attempt
		out, err := s.chain.Call(ctx, msg)
		err = chain.Classify(chain.OpCall, err)
		switch {
		case err == nil:
			metrics.SimulationAttemptsTotal.WithLabelValues("ok").Inc()
			ret = out
			return nil
		case chain.IsTransient(err) && ctx.Err() == nil:
			metrics.SimulationAttemptsTotal.WithLabelValues("transient").Inc()
			logging.L(ctx).Debug("simulation attempt failed, will retry",
				"attempt", attempt, "max", s.cfg.MaxRetries, "error", err)
			return err
		default:
			metrics.SimulationAttemptsTotal.WithLabelValues("terminal").Inc()
			return retry.Permanent(err)
		}
	})
	span.SetAttributes(traces.Attempt(attempts))

	if err != nil {
		out := s.failure(ctx, err, attempts)
		traces.Fail(span, out.Error)
		return out
	}

	out := Outcome{Success: true, ReturnData: ret, Attempts: attempts}
	var warnings advisory.List
	warnings.Add(inspectReturn(ret)...)

	if in.Gas == 0 {
		gas, gerr := s.chain.EstimateGas(ctx, msg)
		if gerr != nil {
			warnings.Add(advisory.New(advisory.CodeGasFallback, "gas estimation failed: %v", gerr))
		} else {
			out.GasUsed = gas
			if gas > s.cfg.HighGasThreshold {
				warnings.Add(highGas(gas, s.cfg.HighGasThreshold))
			}
		}
	}
	out.Warnings = warnings.Items()
	return out
}

func (s *Simulator) failure(ctx context.Context, err error, attempts int) Outcome {
	out := Outcome{Attempts: attempts}
	var ce *chain.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		out.Error = &SimulationError{
			Kind: FailureUnknown,
			Err:  fmt.Errorf("timed out after %s (%d attempts): %w", s.cfg.Timeout, attempts, err),
		}
	case errors.As(err, &ce) && ce.Kind == chain.KindInsufficientFunds:
		out.Error = &SimulationError{Kind: FailureInsufficientFunds, Err: err}
		out.Warnings = append(out.Warnings, advisory.New(advisory.CodeCheckBalance,
			"sender balance cannot cover value plus gas; check the balance before retrying"))
	case errors.As(err, &ce) && ce.Kind == chain.KindRevert:
		out.Error = &SimulationError{Kind: FailureRevert, Reason: ce.Reason, Err: err}
		msg := "transaction would revert on chain"
		if ce.Reason != "" {
			msg += ": " + ce.Reason
		}
		out.Warnings = append(out.Warnings, advisory.New(advisory.CodeWouldRevert, "%s", msg))
	default:
		out.Error = &SimulationError{
			Kind: FailureUnknown,
			Err:  fmt.Errorf("after %d attempts: %w", attempts, err),
		}
	}
	if out.Warnings == nil {
		out.Warnings = []advisory.Warning{}
	}
	return out
}

// inspectReturn flags return payloads that encode an application-level failure.
func inspectReturn(ret []byte) []advisory.Warning {
	switch {
	case bytes.HasPrefix(ret, errorSelector):
		return []advisory.Warning{advisory.New(advisory.CodeRevertPayload,
			"call returned a revert reason: %s", chain.DecodeRevert(ret))}
	case bytes.HasPrefix(ret, panicSelector):
		return []advisory.Warning{advisory.New(advisory.CodePanicPayload,
			"call returned a panic code: %s", chain.DecodeRevert(ret))}
	default:
		return nil
	}
}

func highGas(gas, threshold uint64) advisory.Warning {
	return advisory.New(advisory.CodeHighGas, "gas estimate %d exceeds %d", gas, threshold)
}
