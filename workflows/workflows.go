// Package workflows holds the workflow functions an agent process
// replays and RegisterAll, which registers them with a conductor. It is the application
// layer over the engine: nothing here is replay infrastructure, only
// domain logic written against engine.Context.
package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"skeenode/conductor"
	"skeenode/engine"
)

// GreetingInput is the kwargs shape for Greeting.
type GreetingInput struct {
	Name string `json:"name"`
}

// Greeting chains two activities and a sleep, then waits on an
// external "do_print" event before producing its final line. It
// mirrors the shape of a typical orchestration: activity, retrying
// activity, delay, then a signal wait.
func Greeting(ctx context.Context, c *engine.Context, in GreetingInput) (string, error) {
	step, err := engine.Save(c, func(context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil {
		return "", err
	}

	retry, err := engine.NewRetryStrategy(3, nil, nil, false)
	if err != nil {
		return "", err
	}
	greeted, err := engine.Save(c, func(context.Context) (string, error) {
		return fmt.Sprintf("%s, %s", step, in.Name), nil
	}, engine.WithRetryStrategy(retry), engine.WithTimeout(5*time.Second))
	if err != nil {
		return "", err
	}

	if err := c.Sleep(500 * time.Millisecond); err != nil {
		return "", err
	}

	payload, err := c.Receive("do_print")
	if err != nil {
		return "", err
	}

	var suffix string
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &suffix)
	}

	return fmt.Sprintf("%s%s", greeted, suffix), nil
}

// TransferInput is the kwargs shape for Transfer.
type TransferInput struct {
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	AmountCents int64  `json:"amount_cents"`
	FailCredit  bool   `json:"fail_credit"`
}

// TransferResult reports what actually happened to the ledger.
type TransferResult struct {
	Debited  bool `json:"debited"`
	Credited bool `json:"credited"`
	Refunded bool `json:"refunded"`
}

// Transfer debits one account and credits another, each step a
// separate Save; if the credit fails it compensates by refunding the
// debit rather than leaving the ledger inconsistent. This is the
// canonical saga shape the engine's compensation stack exists for.
func Transfer(ctx context.Context, c *engine.Context, in TransferInput) (TransferResult, error) {
	var result TransferResult

	_, err := engine.Save(c, func(context.Context) (bool, error) {
		result.Debited = true
		return true, nil
	}, engine.WithCompensation(func(context.Context) (any, error) {
		result.Refunded = true
		return true, nil
	}))
	if err != nil {
		return result, err
	}

	strategy, err := engine.NewRetryStrategy(1, nil, nil, true)
	if err != nil {
		return result, err
	}
	_, err = engine.Save(c, func(context.Context) (bool, error) {
		if in.FailCredit {
			return false, fmt.Errorf("credit rejected for %s", in.ToAccount)
		}
		result.Credited = true
		return true, nil
	}, engine.WithRetryStrategy(strategy))
	if err != nil {
		return result, err
	}

	return result, nil
}

// RegisterAll registers every workflow in this package against cond.
func RegisterAll(cond *conductor.Conductor) {
	cond.Register(engine.Workflow{ID: "greeting", Fn: engine.Typed(Greeting)})
	cond.Register(engine.Workflow{ID: "transfer", Fn: engine.Typed(Transfer)})
}
