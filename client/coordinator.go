package client

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrRefreshRejected marks a refresh the server refused. The credentials
// are dead until the user signs in again.
var ErrRefreshRejected = errors.New("client: refresh rejected")

// RefreshFunc performs one refresh call. Errors wrapping ErrRefreshRejected
// are sticky for the generation; any other error is treated as transient.
type RefreshFunc func(ctx context.Context) error

type Option func(*Coordinator)

// WithAuthFailureHandler registers fn to run once per generation whose
// refresh was rejected, typically to route the user back to sign-in.
func WithAuthFailureHandler(fn func(error)) Option {
	return func(c *Coordinator) {
		c.onAuthFailure = fn
	}
}

// Coordinator is a single-flight guard around a RefreshFunc.
//
// Callers capture Generation before sending a request. When the response
// says the access token expired they call Await with that value: if a newer
// generation already exists the request can be replayed immediately,
// otherwise the caller joins the one refresh running for its generation.
type Coordinator struct {
	refresh       RefreshFunc
	onAuthFailure func(error)
	group         singleflight.Group

	mu         sync.Mutex
	generation uint64
	failedGen  uint64
	failure    error
}

func NewCoordinator(refresh RefreshFunc, opts ...Option) *Coordinator {
	c := &Coordinator{refresh: refresh}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generation is the number of successful refreshes and renewals so far.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Renewed advances the generation after the caller obtained fresh
// credentials some other way, such as a new login. It clears a recorded
// rejection.
func (c *Coordinator) Renewed() {
	c.mu.Lock()
	c.generation++
	c.failure = nil
	c.mu.Unlock()
}

// Await returns once credentials newer than observed exist, or with the
// error of the refresh that tried to produce them. Cancelling ctx abandons
// the wait but never the shared refresh.
func (c *Coordinator) Await(ctx context.Context, observed uint64) error {
	if done, err := c.settled(observed); done {
		return err
	}

	ch := c.group.DoChan(strconv.FormatUint(observed, 10), func() (any, error) {
		if done, err := c.settled(observed); done {
			return nil, err
		}
		return nil, c.run(context.WithoutCancel(ctx), observed)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// settled reports whether observed already has an outcome.
func (c *Coordinator) settled(observed uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation > observed {
		return true, nil
	}
	if c.failure != nil && c.failedGen == observed {
		return true, c.failure
	}
	return false, nil
}

func (c *Coordinator) run(ctx context.Context, observed uint64) error {
	err := c.refresh(ctx)

	c.mu.Lock()
	switch {
	case err == nil:
		c.generation++
		c.failure = nil
	case errors.Is(err, ErrRefreshRejected):
		c.failedGen = observed
		c.failure = err
	}
	c.mu.Unlock()

	if err != nil && errors.Is(err, ErrRefreshRejected) && c.onAuthFailure != nil {
		c.onAuthFailure(err)
	}
	return err
}
