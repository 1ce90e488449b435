package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rfblinds-go-home/internal/codec"
	"rfblinds-go-home/internal/radio"
)

// RollingAttempts bounds the transmissions of one rolling-code step. Each
// attempt carries its own code.
const RollingAttempts = 3

// Transmitter sends encoded frames.
type Transmitter interface {
	Transmit(ctx context.Context, f radio.Frame) error
}

// Counter hands out rolling codes. Next must persist the new value before
// returning it.
type Counter interface {
	Next() (uint16, error)
}

// Timer pauses a plan between steps.
type Timer interface {
	After(ctx context.Context, d time.Duration) error
}

// WallTimer waits on the wall clock.
type WallTimer struct{}

func (WallTimer) After(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runner executes plans: encode, transmit, wait.
type Runner struct {
	codecs *codec.Registry
	tx     Transmitter
	timer  Timer
	logger *slog.Logger
}

// NewRunner returns a runner. A nil timer means WallTimer.
func NewRunner(codecs *codec.Registry, tx Transmitter, timer Timer, logger *slog.Logger) *Runner {
	if timer == nil {
		timer = WallTimer{}
	}
	return &Runner{
		codecs: codecs,
		tx:     tx,
		timer:  timer,
		logger: logger.With("component", "runner"),
	}
}

// Run executes every step in order. For rolling-code protocols each step
// takes a fresh code from counter before it is encoded.
func (r *Runner) Run(ctx context.Context, plan Plan, counter Counter) error {
	c, err := r.codecs.Get(plan.Protocol)
	if err != nil {
		return err
	}
	if plan.RollingCode && counter == nil {
		return fmt.Errorf("%s plan needs a rolling code counter", plan.Protocol)
	}

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.send(ctx, c, plan, step.Command, counter); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if step.Wait > 0 {
			if err := r.timer.After(ctx, step.Wait); err != nil {
				return err
			}
		}
	}
	return nil
}

// send transmits one step. Rolling-code frames are single shot: an
// unacknowledged attempt is retried with the next code, never resent.
func (r *Runner) send(ctx context.Context, c codec.Codec, plan Plan, cmd codec.Command, counter Counter) error {
	repeat := cmd.Repeat
	if repeat < 1 {
		repeat = 1
	}
	attempts := 1
	if plan.RollingCode {
		attempts = RollingAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if plan.RollingCode {
			rc, nerr := counter.Next()
			if nerr != nil {
				return fmt.Errorf("rolling code: %w", nerr)
			}
			cmd.RollingCode = rc
		}
		b, eerr := c.Encode(cmd)
		if eerr != nil {
			return fmt.Errorf("encode %s: %w", cmd.Action, eerr)
		}
		err = r.tx.Transmit(ctx, radio.Frame{
			Protocol:   plan.Protocol,
			Bits:       b,
			Repeat:     repeat,
			SingleShot: plan.RollingCode,
		})
		if err == nil {
			r.logger.Debug("transmitted", "protocol", plan.Protocol, "action", cmd.Action,
				"rail", cmd.Rail, "repeat", repeat, "rolling_code", cmd.RollingCode)
			return nil
		}
		if !errors.Is(err, radio.ErrNoAck) || attempt == attempts {
			break
		}
		r.logger.Warn("transmit unacknowledged, retrying with next rolling code",
			"protocol", plan.Protocol, "action", cmd.Action, "rolling_code", cmd.RollingCode, "attempt", attempt)
	}
	return fmt.Errorf("transmit %s: %w", cmd.Action, err)
}
