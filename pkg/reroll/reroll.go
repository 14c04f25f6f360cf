// Package reroll power cycles an instance until the provider places
// it on a host whose cpu platform matches what we want.
//
// Placement happens at boot, so the only lever available is stop and
// start again. Each cycle is an attempt:
//
//	PoweringOn -> AwaitingMetadata -> Evaluating -> Satisfied
//	                                             \-> ResettingAndRetrying -> PoweringOn
//
// The controller is single threaded, every remote call blocks, and
// the attempt state never leaves the loop except as copies handed to
// the observer.
package reroll

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"gcetools/pkg/vm"
)

// The remote side of the loop. gce.Client is the real one.
type Compute interface {
	GetInstance(ctx context.Context, ref vm.Ref) (vm.Instance, error)
	StartInstance(ctx context.Context, ref vm.Ref) (vm.Operation, error)
	StopInstance(ctx context.Context, ref vm.Ref) (vm.Operation, error)
	// Blocks until the operation is done. An error payload on the
	// operation comes back as *vm.RemoteOperationFailure.
	AwaitOperation(ctx context.Context, op vm.Operation) error
}

// What the provider reports before the platform is known.
const UnknownPlatform = "Unknown CPU Platform"

type Phase int

const (
	PoweringOn Phase = iota
	AwaitingMetadata
	Evaluating
	ResettingAndRetrying
	Satisfied
)

func (p Phase) String() string {
	switch p {
	case PoweringOn:
		return "powering-on"
	case AwaitingMetadata:
		return "awaiting-metadata"
	case Evaluating:
		return "evaluating"
	case ResettingAndRetrying:
		return "resetting"
	case Satisfied:
		return "satisfied"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Attempt is the per iteration state. Number starts at 1 and only
// goes up.
type Attempt struct {
	Instance vm.Ref
	Number   int
	Phase    Phase
	Status   vm.Status
	Platform string

	// Metadata polls done so far this attempt.
	Poll int
	// Platform never showed up within the poll budget.
	TimedOut bool
	// Instance left RUNNING while we were polling.
	Unstable bool
}

type TerminationReason int

// The zero value is what comes back alongside an error.
const (
	ReasonFailed TerminationReason = iota
	ReasonSatisfied
	ReasonExhausted
	ReasonInterrupted
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonFailed:
		return "failed"
	case ReasonSatisfied:
		return "satisfied"
	case ReasonExhausted:
		return "exhausted"
	case ReasonInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

type Result struct {
	Reason  TerminationReason
	Attempt Attempt
	// Set on an interrupt when the start or stop that was drained
	// failed anyway. The returned error carries it too.
	Failure error
}

// Starting the instance failed. Not retried, repeated start failures
// are quota/capacity problems and rerolling won't fix those.
type ProvisioningError struct {
	Instance vm.Ref
	Attempt  int
	Cause    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("starting %s (attempt %d): %v", e.Instance, e.Attempt, e.Cause)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Cause
}

type Options struct {
	// Case insensitive substring wanted in the platform string.
	Target string
	// Zero means keep going until satisfied or interrupted.
	MaxAttempts int
	// Platform polls per attempt and the gap between them.
	MetadataPolls int
	PollInterval  time.Duration
	// Pause after a stop before powering on again.
	ResetPause time.Duration
	// How long an in flight start/stop gets to finish after the
	// context is cancelled.
	DrainTimeout time.Duration

	// Called with a copy of the attempt at every observation.
	Observer func(Attempt)
	// Sleep hook, tests swap it out.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultOptions() Options {
	return Options{
		Target:        "AMD",
		MetadataPolls: 60,
		PollInterval:  2 * time.Second,
		ResetPause:    2 * time.Second,
		DrainTimeout:  3 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if strings.TrimSpace(o.Target) == "" {
		o.Target = d.Target
	}
	if o.MetadataPolls <= 0 {
		o.MetadataPolls = d.MetadataPolls
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ResetPause < 0 {
		o.ResetPause = 0
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.DrainTimeout
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	if o.Observer == nil {
		o.Observer = func(Attempt) {}
	}
	return o
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Controller struct {
	compute Compute
	opts    Options
}

func New(compute Compute, opts Options) *Controller {
	return &Controller{compute: compute, opts: opts.withDefaults()}
}

func (c *Controller) Options() Options {
	return c.opts
}

// Known reports whether a platform string is an actual platform and
// not the empty/unknown placeholder.
func Known(platform string) bool {
	p := strings.TrimSpace(platform)
	return p != "" && !strings.EqualFold(p, UnknownPlatform)
}

// Matches is the evaluation step. The placeholder never matches, even
// for a target that happens to be a substring of it.
func Matches(platform, target string) bool {
	return Known(platform) && strings.Contains(strings.ToUpper(platform), strings.ToUpper(target))
}

// Run loops until the platform matches, the attempt cap is hit or ctx
// is cancelled. Cancellation comes back as ReasonInterrupted along
// with the context error, never as a "no match".
func (c *Controller) Run(ctx context.Context, ref vm.Ref) (Result, error) {
	a := Attempt{Instance: ref, Number: 1, Status: vm.Unknown, Platform: UnknownPlatform}

	for {
		a.Phase = PoweringOn
		a.Platform = UnknownPlatform
		a.Poll, a.TimedOut, a.Unstable = 0, false, false
		c.opts.Observer(a)

		if ctx.Err() != nil {
			return c.interrupted(ctx, a, nil)
		}
		if err := c.powerOn(ctx, &a); err != nil {
			if ctx.Err() != nil {
				return c.interrupted(ctx, a, err)
			}
			return Result{Attempt: a}, err
		}
		if ctx.Err() != nil {
			return c.interrupted(ctx, a, nil)
		}

		a.Phase = AwaitingMetadata
		c.opts.Observer(a)
		if err := c.awaitMetadata(ctx, &a); err != nil {
			if ctx.Err() != nil {
				return c.interrupted(ctx, a, err)
			}
			return Result{Attempt: a}, c.wrap(err, a)
		}

		if !a.Unstable {
			a.Phase = Evaluating
			c.opts.Observer(a)
			if Matches(a.Platform, c.opts.Target) {
				a.Phase = Satisfied
				c.opts.Observer(a)
				return Result{Reason: ReasonSatisfied, Attempt: a}, nil
			}
		}

		if c.opts.MaxAttempts > 0 && a.Number >= c.opts.MaxAttempts {
			return Result{Reason: ReasonExhausted, Attempt: a}, nil
		}

		a.Phase = ResettingAndRetrying
		c.opts.Observer(a)
		if ctx.Err() != nil {
			return c.interrupted(ctx, a, nil)
		}
		if err := c.reset(ctx, &a); err != nil {
			if ctx.Err() != nil {
				return c.interrupted(ctx, a, err)
			}
			return Result{Attempt: a}, err
		}
		if ctx.Err() != nil {
			return c.interrupted(ctx, a, nil)
		}

		a.Number++
		if err := c.opts.Sleep(ctx, c.opts.ResetPause); err != nil {
			return c.interrupted(ctx, a, nil)
		}
	}
}

// cause is whatever the interrupted step returned. Anything that isn't
// just the cancellation itself is a real provider failure and is kept.
func (c *Controller) interrupted(ctx context.Context, a Attempt, cause error) (Result, error) {
	res := Result{Reason: ReasonInterrupted, Attempt: a}
	err := errors.Wrapf(ctx.Err(), "reroll of %s interrupted during %s (attempt %d)", a.Instance, a.Phase, a.Number)
	if cause != nil && !errors.Is(cause, ctx.Err()) {
		res.Failure = cause
		err = errors.Join(err, cause)
	}
	return res, err
}

func (c *Controller) wrap(err error, a Attempt) error {
	return errors.Wrapf(err, "%s during %s (attempt %d)", a.Instance, a.Phase, a.Number)
}

func (c *Controller) powerOn(ctx context.Context, a *Attempt) error {
	inst, err := c.compute.GetInstance(ctx, a.Instance)
	if err != nil {
		return c.wrap(err, *a)
	}
	a.Status = inst.Status
	if inst.Status == vm.Running {
		return nil
	}

	op, err := c.compute.StartInstance(ctx, a.Instance)
	if err == nil {
		err = c.await(ctx, op)
	}
	if err != nil {
		return &ProvisioningError{Instance: a.Instance, Attempt: a.Number, Cause: err}
	}
	a.Status = vm.Running
	return nil
}

func (c *Controller) awaitMetadata(ctx context.Context, a *Attempt) error {
	for i := 1; i <= c.opts.MetadataPolls; i++ {
		a.Poll = i
		inst, err := c.compute.GetInstance(ctx, a.Instance)
		if err != nil {
			return err
		}
		a.Status = inst.Status

		if inst.Status != vm.Running {
			a.Unstable = true
			a.Platform = UnknownPlatform
			c.opts.Observer(*a)
			return nil
		}
		if Known(inst.CPUPlatform) {
			a.Platform = inst.CPUPlatform
			return nil
		}

		// Progress every 5 polls, no need to spam.
		if i%5 == 0 {
			c.opts.Observer(*a)
		}
		if i < c.opts.MetadataPolls {
			if err := c.opts.Sleep(ctx, c.opts.PollInterval); err != nil {
				return err
			}
		}
	}

	a.TimedOut = true
	a.Platform = UnknownPlatform
	return nil
}

func (c *Controller) reset(ctx context.Context, a *Attempt) error {
	op, err := c.compute.StopInstance(ctx, a.Instance)
	if err == nil {
		err = c.await(ctx, op)
	}
	if err != nil {
		return c.wrap(err, *a)
	}
	a.Status = vm.Stopped
	return nil
}

// Wait on an operation. If ctx goes away mid wait the operation still
// gets DrainTimeout to finish so we don't bail with the instance half
// way through a transition.
func (c *Controller) await(ctx context.Context, op vm.Operation) error {
	err := c.compute.AwaitOperation(ctx, op)
	if err == nil || ctx.Err() == nil {
		return err
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.DrainTimeout)
	defer cancel()
	return c.compute.AwaitOperation(dctx, op)
}
