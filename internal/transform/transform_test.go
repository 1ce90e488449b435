package transform

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"rfblinds-go-home/internal/codec"
	"rfblinds-go-home/internal/radio"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustProfile(t *testing.T, p codec.Protocol) Profile {
	t.Helper()
	prof, err := ProfileFor(p)
	if err != nil {
		t.Fatal(err)
	}
	return prof
}

func TestOutgoingTruthTable(t *testing.T) {
	brel := mustProfile(t, codec.ProtocolBrel)
	somfy := mustProfile(t, codec.ProtocolSomfy)

	tests := []struct {
		name string
		prof Profile
		s    Settings
		in   codec.Action
		want codec.Action
	}{
		{"plain up", brel, Settings{}, codec.ActionUp, codec.ActionUp},
		{"rotated up", brel, Settings{Rotated: true}, codec.ActionUp, codec.ActionDown},
		{"rotated deep", brel, Settings{Rotated: true}, codec.ActionDeepUp, codec.ActionDeepDown},
		{"rotated idle", brel, Settings{Rotated: true}, codec.ActionIdle, codec.ActionIdle},
		{"rotated tilt", brel, Settings{Rotated: true}, codec.ActionTiltUp, codec.ActionTiltDown},
		{"inverted tilt", brel, Settings{InvertTilt: true}, codec.ActionTiltUp, codec.ActionTiltDown},
		{"inverted state untouched", brel, Settings{InvertTilt: true}, codec.ActionUp, codec.ActionUp},
		{"rotated and inverted tilt", brel, Settings{Rotated: true, InvertTilt: true}, codec.ActionTiltUp, codec.ActionTiltUp},
		{"somfy rotated tilt", somfy, Settings{Rotated: true}, codec.ActionTiltUp, codec.ActionTiltUp},
		{"somfy rotated and inverted tilt", somfy, Settings{Rotated: true, InvertTilt: true}, codec.ActionTiltUp, codec.ActionTiltDown},
		{"somfy rotated state", somfy, Settings{Rotated: true}, codec.ActionDown, codec.ActionUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.prof.Outgoing(tt.in, tt.s)
			if got != tt.want {
				t.Errorf("Outgoing(%s) = %s, want %s", tt.in, got, tt.want)
			}
			if back := tt.prof.Incoming(got, tt.s); back != tt.in {
				t.Errorf("Incoming(%s) = %s, want %s", got, back, tt.in)
			}
		})
	}
}

func TestSomfyRotatedInvertedTiltMatchesPlainTiltDown(t *testing.T) {
	somfy := mustProfile(t, codec.ProtocolSomfy)
	base := codec.Command{Address: 0x123456}

	a := somfy.Capability(TiltRequest(true), Settings{Rotated: true, InvertTilt: true}, base)
	b := somfy.Capability(TiltRequest(false), Settings{}, base)

	ca, cb := a.Steps[0].Command, b.Steps[0].Command
	ba, err := codec.Somfy{}.Encode(ca)
	if err != nil {
		t.Fatal(err)
	}
	bb, err := codec.Somfy{}.Encode(cb)
	if err != nil {
		t.Fatal(err)
	}
	if !ba.Equal(bb) {
		t.Errorf("bits differ:\n%s\n%s", ba, bb)
	}
}

func TestParseCapability(t *testing.T) {
	tests := []struct {
		id      string
		value   any
		want    Request
		wantErr bool
	}{
		{CapState, "up", Request{Kind: KindState, State: StateUp, Rail: 1}, false},
		{CapStateRail2, "idle", Request{Kind: KindState, State: StateIdle, Rail: 2}, false},
		{CapStateRail3, "DOWN", Request{Kind: KindState, State: StateDown, Rail: 3}, false},
		{CapTiltUp, true, Request{Kind: KindTiltUp, Rail: 1}, false},
		{CapTiltDown, "true", Request{Kind: KindTiltDown, Rail: 1}, false},
		{CapTiltDown, false, Request{}, true},
		{CapState, "sideways", Request{}, true},
		{CapState, 1, Request{}, true},
		{"dim", 0.5, Request{}, true},
	}
	for _, tt := range tests {
		got, err := ParseCapability(tt.id, tt.value)
		if tt.wantErr {
			if !errors.Is(err, ErrCapability) {
				t.Errorf("%s=%v: expected ErrCapability, got %v", tt.id, tt.value, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s=%v: %v", tt.id, tt.value, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s=%v: got %+v, want %+v", tt.id, tt.value, got, tt.want)
		}
	}
}

func actions(p Plan) []codec.Action {
	out := make([]codec.Action, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Command.Action
	}
	return out
}

func equalActions(a, b []codec.Action) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBrelFollowUps(t *testing.T) {
	brel := mustProfile(t, codec.ProtocolBrel)
	base := codec.Command{Address: 1, Channel: 1}

	tests := []struct {
		name string
		req  Request
		s    Settings
		want []codec.Action
	}{
		{"tilt gets idle", TiltRequest(true), Settings{}, []codec.Action{codec.ActionTiltUp, codec.ActionIdle}},
		{"tilt in pulse mode gets deep up", TiltRequest(true), Settings{PulseMode: true}, []codec.Action{codec.ActionTiltUp, codec.ActionDeepUp}},
		{"rotated tilt in pulse mode gets deep up", TiltRequest(false), Settings{PulseMode: true, Rotated: true}, []codec.Action{codec.ActionTiltUp, codec.ActionDeepUp}},
		{"inverted tilt in pulse mode gets deep down", TiltRequest(true), Settings{PulseMode: true, InvertTilt: true}, []codec.Action{codec.ActionTiltDown, codec.ActionDeepDown}},
		{"up gets deep up", StateRequest(StateUp, 1), Settings{}, []codec.Action{codec.ActionUp, codec.ActionDeepUp}},
		{"rotated up gets deep down", StateRequest(StateUp, 1), Settings{Rotated: true}, []codec.Action{codec.ActionDown, codec.ActionDeepDown}},
		{"down in pulse mode", StateRequest(StateDown, 1), Settings{PulseMode: true}, []codec.Action{codec.ActionDown}},
		{"idle alone", StateRequest(StateIdle, 1), Settings{}, []codec.Action{codec.ActionIdle}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := brel.Capability(tt.req, tt.s, base)
			if got := actions(plan); !equalActions(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			for _, step := range plan.Steps {
				if step.Command.Address != 1 || step.Command.Channel != 1 {
					t.Errorf("step lost address: %+v", step.Command)
				}
			}
		})
	}
}

func TestNoFollowUpsOutsideBrel(t *testing.T) {
	for _, p := range []codec.Protocol{codec.ProtocolBofu, codec.ProtocolSomfy} {
		prof := mustProfile(t, p)
		if n := len(prof.Capability(StateRequest(StateUp, 1), Settings{}, codec.Command{}).Steps); n != 1 {
			t.Errorf("%s up: %d steps", p, n)
		}
		if n := len(prof.Capability(TiltRequest(false), Settings{}, codec.Command{}).Steps); n != 1 {
			t.Errorf("%s tilt: %d steps", p, n)
		}
	}
}

func TestRepeatCounts(t *testing.T) {
	brel := mustProfile(t, codec.ProtocolBrel)
	somfy := mustProfile(t, codec.ProtocolSomfy)

	if r := brel.Capability(StateRequest(StateIdle, 1), Settings{}, codec.Command{}).Steps[0].Command.Repeat; r != 45 {
		t.Errorf("brel idle repeat = %d", r)
	}
	if r := brel.Capability(StateRequest(StateUp, 1), Settings{PulseMode: true}, codec.Command{}).Steps[0].Command.Repeat; r != 45 {
		t.Errorf("brel pulse repeat = %d", r)
	}
	if r := somfy.Capability(StateRequest(StateIdle, 1), Settings{}, codec.Command{}).Steps[0].Command.Repeat; r != 2 {
		t.Errorf("somfy idle repeat = %d", r)
	}
	if r := somfy.Capability(StateRequest(StateUp, 1), Settings{}, codec.Command{}).Steps[0].Command.Repeat; r != 1 {
		t.Errorf("somfy up repeat = %d", r)
	}
}

func TestMyPreset(t *testing.T) {
	bofu := mustProfile(t, codec.ProtocolBofu)
	plan := bofu.My(Settings{}, codec.Command{Address: 9}, true)
	cmd := plan.Steps[0].Command
	if cmd.Action != codec.ActionIdle || cmd.Rail != 3 || cmd.Repeat != 20 {
		t.Errorf("top-down my = %+v", cmd)
	}
	plan = mustProfile(t, codec.ProtocolBrel).My(Settings{}, codec.Command{}, false)
	if cmd := plan.Steps[0].Command; cmd.Rail != 1 || cmd.Repeat != 45 {
		t.Errorf("brel my = %+v", cmd)
	}
}

func TestBrelPairPlan(t *testing.T) {
	plan := mustProfile(t, codec.ProtocolBrel).Pair(codec.Command{Address: 5})
	want := []codec.Action{codec.ActionProgram, codec.ActionProgram, codec.ActionUp}
	if got := actions(plan); !equalActions(got, want) {
		t.Fatalf("got %v", got)
	}
	if plan.Steps[0].Wait != time.Second || plan.Steps[1].Wait != time.Second || plan.Steps[2].Wait != 0 {
		t.Errorf("waits = %v %v %v", plan.Steps[0].Wait, plan.Steps[1].Wait, plan.Steps[2].Wait)
	}
}

func TestApplyIncoming(t *testing.T) {
	brel := mustProfile(t, codec.ProtocolBrel)
	bofu := mustProfile(t, codec.ProtocolBofu)

	u := brel.Apply(codec.Command{Action: codec.ActionTiltUp}, Settings{}, 1)
	if u.Values[CapTiltUp] != true || u.Values[CapState] != "up" {
		t.Errorf("brel tilt up: %v", u.Values)
	}

	u = brel.Apply(codec.Command{Action: codec.ActionTiltUp}, Settings{Rotated: true}, 1)
	if u.Values[CapTiltDown] != true || u.Values[CapState] != "down" {
		t.Errorf("brel rotated tilt up: %v", u.Values)
	}

	// Inversion flips the tilt but not the motion hint.
	u = brel.Apply(codec.Command{Action: codec.ActionTiltUp}, Settings{InvertTilt: true}, 1)
	if u.Values[CapTiltDown] != true || u.Values[CapState] != "up" {
		t.Errorf("brel inverted tilt up: %v", u.Values)
	}

	u = bofu.Apply(codec.Command{Action: codec.ActionIdle, Rail: 2}, Settings{}, 3)
	for _, c := range []string{CapState, CapStateRail2, CapStateRail3} {
		if u.Values[c] != "idle" {
			t.Errorf("bofu idle: %s = %v", c, u.Values[c])
		}
	}

	u = bofu.Apply(codec.Command{Action: codec.ActionUp, Rail: 2}, Settings{Rotated: true}, 2)
	if u.Values[CapStateRail2] != "down" || u.Action != codec.ActionDown {
		t.Errorf("bofu rotated rail2 up: %+v", u)
	}
}

// recordingTimer records waits instead of sleeping.
type recordingTimer struct {
	waits []time.Duration
}

func (r *recordingTimer) After(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

// memCounter persists into a slice so tests can check ordering.
type memCounter struct {
	value     uint16
	persisted []uint16
	err       error
}

func (c *memCounter) Next() (uint16, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.value++
	c.persisted = append(c.persisted, c.value)
	return c.value, nil
}

// orderTx checks that each frame's rolling code was persisted first.
type orderTx struct {
	mock    *radio.Mock
	counter *memCounter
	t       *testing.T
}

func (o *orderTx) Transmit(ctx context.Context, f radio.Frame) error {
	cmd, err := codec.Somfy{}.Decode(f.Bits)
	if err == nil {
		p := o.counter.persisted
		if len(p) == 0 || p[len(p)-1] != cmd.RollingCode {
			o.t.Errorf("rolling code %d transmitted before it was persisted", cmd.RollingCode)
		}
	}
	return o.mock.Transmit(ctx, f)
}

func TestTiltBatching(t *testing.T) {
	somfy := mustProfile(t, codec.ProtocolSomfy)
	plan, err := somfy.Tilt(true, 37, Settings{}, codec.Command{Address: 0xABCDEF})
	if err != nil {
		t.Fatal(err)
	}

	mock := radio.NewMock()
	counter := &memCounter{}
	timer := &recordingTimer{}
	runner := NewRunner(codec.DefaultRegistry(), &orderTx{mock: mock, counter: counter, t: t}, timer, newTestLogger())

	if err := runner.Run(context.Background(), plan, counter); err != nil {
		t.Fatal(err)
	}

	sent := mock.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	wantBursts := []int{15, 15, 7}
	var last uint16
	for i, f := range sent {
		cmd, err := codec.Somfy{}.Decode(f.Bits)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if cmd.Repeat != wantBursts[i] || f.Repeat != wantBursts[i] {
			t.Errorf("burst %d: in-frame %d, transmit %d, want %d", i, cmd.Repeat, f.Repeat, wantBursts[i])
		}
		if cmd.Action != codec.ActionTiltUp {
			t.Errorf("burst %d: action %s", i, cmd.Action)
		}
		if cmd.RollingCode <= last {
			t.Errorf("burst %d: rolling code %d not above %d", i, cmd.RollingCode, last)
		}
		last = cmd.RollingCode
	}

	wantWaits := []time.Duration{1500 * time.Millisecond, 1500 * time.Millisecond, 700 * time.Millisecond}
	if len(timer.waits) != len(wantWaits) {
		t.Fatalf("waits = %v", timer.waits)
	}
	for i := range wantWaits {
		if timer.waits[i] != wantWaits[i] {
			t.Errorf("wait %d = %v, want %v", i, timer.waits[i], wantWaits[i])
		}
	}
}

func TestBrelTiltBatchingSendsIdleBeforePause(t *testing.T) {
	brel := mustProfile(t, codec.ProtocolBrel)
	plan, err := brel.Tilt(false, 20, Settings{}, codec.Command{Address: 1})
	if err != nil {
		t.Fatal(err)
	}
	want := []codec.Action{codec.ActionTiltDown, codec.ActionIdle, codec.ActionTiltDown, codec.ActionIdle}
	if got := actions(plan); !equalActions(got, want) {
		t.Fatalf("got %v", got)
	}
	if plan.Steps[0].Wait != 0 || plan.Steps[1].Wait != 1500*time.Millisecond || plan.Steps[3].Wait != 500*time.Millisecond {
		t.Errorf("waits: %+v", plan.Steps)
	}
}

func TestTiltDurationMatchesPlanWaits(t *testing.T) {
	plan, err := mustProfile(t, codec.ProtocolBofu).Tilt(true, 37, Settings{}, codec.Command{Address: 1, Unit: 1})
	if err != nil {
		t.Fatal(err)
	}
	var total time.Duration
	for _, s := range plan.Steps {
		total += s.Wait
	}
	if got := TiltDuration(37); got != total || got != 3700*time.Millisecond {
		t.Errorf("TiltDuration(37) = %v, plan waits %v", got, total)
	}
	if TiltDuration(-1) != 0 {
		t.Error("negative steps should take no time")
	}
}

func TestTiltRejectsZeroSteps(t *testing.T) {
	if _, err := mustProfile(t, codec.ProtocolSomfy).Tilt(true, 0, Settings{}, codec.Command{}); !errors.Is(err, ErrSteps) {
		t.Errorf("expected ErrSteps, got %v", err)
	}
}

func TestRunnerStopsOnCounterError(t *testing.T) {
	somfy := mustProfile(t, codec.ProtocolSomfy)
	mock := radio.NewMock()
	runner := NewRunner(codec.DefaultRegistry(), mock, &recordingTimer{}, newTestLogger())

	counter := &memCounter{err: errors.New("disk full")}
	plan := somfy.Capability(StateRequest(StateUp, 1), Settings{}, codec.Command{Address: 1})
	if err := runner.Run(context.Background(), plan, counter); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.Sent()) != 0 {
		t.Error("frame sent without a persisted rolling code")
	}

	if err := runner.Run(context.Background(), plan, nil); err == nil {
		t.Error("expected error without counter")
	}
}

func TestRunnerRetriesRollingCodeWithFreshCode(t *testing.T) {
	somfy := mustProfile(t, codec.ProtocolSomfy)
	mock := radio.NewMock()
	mock.FailNext = 2
	counter := &memCounter{}
	runner := NewRunner(codec.DefaultRegistry(), mock, &recordingTimer{}, newTestLogger())

	plan := somfy.Capability(StateRequest(StateUp, 1), Settings{}, codec.Command{Address: 0x123456})
	if err := runner.Run(context.Background(), plan, counter); err != nil {
		t.Fatal(err)
	}

	attempts := append(mock.Dropped(), mock.Sent()...)
	if len(attempts) != 3 || len(mock.Sent()) != 1 {
		t.Fatalf("attempts = %d, sent = %d", len(attempts), len(mock.Sent()))
	}
	seen := map[uint16]bool{}
	for i, f := range attempts {
		if !f.SingleShot {
			t.Errorf("attempt %d: rolling-code frame not single shot", i)
		}
		cmd, err := codec.Somfy{}.Decode(f.Bits)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if seen[cmd.RollingCode] {
			t.Errorf("attempt %d reused rolling code %d", i, cmd.RollingCode)
		}
		seen[cmd.RollingCode] = true
	}
	if counter.value != 3 {
		t.Errorf("counter = %d, want 3", counter.value)
	}
}

func TestRunnerRetryLimits(t *testing.T) {
	runner := func(m *radio.Mock) *Runner {
		return NewRunner(codec.DefaultRegistry(), m, &recordingTimer{}, newTestLogger())
	}

	mock := radio.NewMock()
	mock.FailNext = RollingAttempts + 2
	plan := mustProfile(t, codec.ProtocolSomfy).Capability(StateRequest(StateDown, 1), Settings{}, codec.Command{Address: 1})
	if err := runner(mock).Run(context.Background(), plan, &memCounter{}); !errors.Is(err, radio.ErrNoAck) {
		t.Errorf("somfy: got %v, want ErrNoAck", err)
	}
	if n := len(mock.Dropped()); n != RollingAttempts {
		t.Errorf("somfy attempts = %d, want %d", n, RollingAttempts)
	}

	// Fixed-code frames are retried by the transceiver, not the runner.
	mock = radio.NewMock()
	mock.FailNext = 1
	plan = mustProfile(t, codec.ProtocolBofu).Capability(StateRequest(StateDown, 1), Settings{}, codec.Command{Address: 1, Unit: 1})
	if err := runner(mock).Run(context.Background(), plan, nil); !errors.Is(err, radio.ErrNoAck) {
		t.Errorf("bofu: got %v, want ErrNoAck", err)
	}
	if n := len(mock.Dropped()); n != 1 || mock.Dropped()[0].SingleShot {
		t.Errorf("bofu dropped = %+v", mock.Dropped())
	}
}

func TestRunnerPropagatesEncodeErrors(t *testing.T) {
	bofu := mustProfile(t, codec.ProtocolBofu)
	runner := NewRunner(codec.DefaultRegistry(), radio.NewMock(), &recordingTimer{}, newTestLogger())
	plan := bofu.Capability(StateRequest(StateUp, 1), Settings{}, codec.Command{Address: 0x10000})
	if err := runner.Run(context.Background(), plan, nil); !errors.Is(err, codec.ErrMalformedAddress) {
		t.Errorf("expected ErrMalformedAddress, got %v", err)
	}
}

func TestRunnerCancelled(t *testing.T) {
	brel := mustProfile(t, codec.ProtocolBrel)
	runner := NewRunner(codec.DefaultRegistry(), radio.NewMock(), nil, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runner.Run(ctx, brel.Pair(codec.Command{Address: 1}), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
