package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitResult is the outcome of a bounded wait.
type WaitResult int

const (
	WaitOk WaitResult = iota
	WaitTimeout
)

func (r WaitResult) String() string {
	if r == WaitOk {
		return "ok"
	}
	return "timeout"
}

var errNotYet = errors.New("condition not met")

// WaitUntil polls cond every interval until it returns true, the timeout
// elapses or ctx is canceled. An error from cond stops the wait and is
// returned with WaitTimeout.
func WaitUntil(ctx context.Context, timeout, interval time.Duration, cond func(context.Context) (bool, error)) (WaitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	op := func() error {
		ok, err := cond(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	switch {
	case err == nil:
		return WaitOk, nil
	case errors.Is(err, errNotYet), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return WaitTimeout, nil
	default:
		return WaitTimeout, err
	}
}
