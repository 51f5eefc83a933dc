package mode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timestep/internal/config"
)

type stubLoader struct {
	params config.Params
	err    error
	calls  int
}

func (s *stubLoader) load() (config.Params, error) {
	s.calls++
	return s.params, s.err
}

func defaults() Settings {
	return Settings{StepRate: 1, IdleTick: 1, MaxIntercallDelta: 20000}
}

func TestController_ToggleTwiceReturnsToNormal(t *testing.T) {
	l := &stubLoader{params: config.Params{StepRate: 500, IdleTick: 3, DriverPID: 321}}
	c := New(defaults(), l.load)

	c.ToggleFreeze()
	tr := c.Poll()
	require.True(t, tr.Froze)
	assert.Equal(t, StateFrozenIdle, c.State())
	assert.Equal(t, 321, c.DriverPID())
	assert.Equal(t, int64(500), c.StepRate())
	assert.Equal(t, int64(3), c.IdleTick())

	c.RequestStep()
	c.Poll()
	assert.Equal(t, StateFrozenStepping, c.State())

	c.ToggleFreeze()
	tr = c.Poll()
	assert.True(t, tr.Thawed)
	assert.Equal(t, StateNormal, c.State())
	assert.Zero(t, c.DriverPID(), "driver cleared on thaw")
	assert.Equal(t, int64(500), c.Pending(), "toggle does not touch the step queue")
	assert.Equal(t, 1, l.calls, "params read only on entering frozen")
}

func TestController_ReloadFailureKeepsPrevious(t *testing.T) {
	l := &stubLoader{params: config.Params{StepRate: 700, IdleTick: 9, DriverPID: 55}}
	c := New(defaults(), l.load)
	c.ToggleFreeze()
	c.Poll()
	c.ToggleFreeze()
	c.Poll()

	for _, err := range []error{
		fmt.Errorf("%w: DRIVER_PARAMS", config.ErrParamsUnset),
		fmt.Errorf("%w: want 3 fields", config.ErrMalformedParams),
		errors.New("open driver params: permission denied"),
	} {
		l.err = err
		l.params = config.Params{StepRate: 1, IdleTick: 1, DriverPID: 1}
		c.ToggleFreeze()
		tr := c.Poll()
		assert.ErrorIs(t, tr.ReloadErr, err)
		assert.True(t, c.Frozen(), "reload failure is not fatal")
		assert.Equal(t, int64(700), c.StepRate())
		assert.Equal(t, int64(9), c.IdleTick())
		assert.Zero(t, c.DriverPID(), "driver stays cleared from previous thaw")
		c.ToggleFreeze()
		c.Poll()
	}
}

func TestController_NilLoaderKeepsDefaults(t *testing.T) {
	c := New(defaults(), nil)
	c.ToggleFreeze()
	tr := c.Poll()
	assert.NoError(t, tr.ReloadErr)
	assert.True(t, c.Frozen())
	assert.Equal(t, int64(1), c.StepRate())
	assert.Equal(t, int64(1), c.IdleTick())
	assert.Zero(t, c.DriverPID())
}

func TestController_StepsUseReloadedRate(t *testing.T) {
	l := &stubLoader{params: config.Params{StepRate: 1000, IdleTick: 1}}
	c := New(defaults(), l.load)
	// freeze и шаг пришли до ближайшего вызова: шаг считается по новому step_rate
	c.ToggleFreeze()
	c.RequestStep()
	c.RequestStep()
	tr := c.Poll()
	assert.Equal(t, int64(2), tr.StepsQueued)
	assert.Equal(t, int64(2000), c.Pending())
}

func TestController_FreezeDropsStaleSteps(t *testing.T) {
	l := &stubLoader{params: config.Params{StepRate: 100000, IdleTick: 1, DriverPID: 9}}
	c := New(Settings{StepRate: 50000, IdleTick: 1, MaxIntercallDelta: 20000}, l.load)

	// normal: естественный прирост 1 мс не оставляет места под шаг
	c.RequestStep()
	c.Poll()
	d, done := c.Drain(1_000_000)
	assert.Equal(t, int64(1_000_000), d)
	assert.False(t, done)
	assert.Equal(t, int64(50000), c.Pending())

	c.ToggleFreeze()
	c.Poll()
	assert.Zero(t, c.Pending(), "steps from before the freeze are not drained for the new driver")
	assert.Equal(t, StateFrozenIdle, c.State())

	// шаг, пришедший вместе с freeze, остаётся
	c.ToggleFreeze()
	c.Poll()
	c.ToggleFreeze()
	c.RequestStep()
	c.Poll()
	assert.Equal(t, int64(100000), c.Pending())
}

func TestController_ToggleStormFolded(t *testing.T) {
	for _, tc := range []struct {
		toggles    int
		wantFrozen bool
		wantLoads  int
	}{
		{1, true, 1},
		{2, false, 1},
		{3, true, 2},
		{10, false, 1},
		{11, true, 2},
	} {
		t.Run(fmt.Sprint(tc.toggles), func(t *testing.T) {
			l := &stubLoader{}
			c := New(defaults(), l.load)
			for i := 0; i < tc.toggles; i++ {
				c.ToggleFreeze()
			}
			tr := c.Poll()
			assert.Equal(t, int64(tc.toggles), tr.Toggles)
			assert.Equal(t, tc.wantFrozen, c.Frozen())
			assert.Equal(t, tc.wantLoads, l.calls)
		})
	}
}

func TestController_Drain(t *testing.T) {
	c := New(Settings{StepRate: 45000, IdleTick: 1, MaxIntercallDelta: 20000}, nil)

	d, done := c.Drain(10)
	assert.Equal(t, int64(10), d)
	assert.False(t, done, "empty queue never completes")

	c.RequestStep()
	c.Poll()
	d, done = c.Drain(0)
	assert.Equal(t, int64(20000), d)
	assert.False(t, done)
	d, done = c.Drain(20000)
	assert.Equal(t, int64(20000), d, "no room at the ceiling")
	assert.False(t, done)
	assert.Equal(t, int64(25000), c.Pending())
	d, done = c.Drain(0)
	assert.Equal(t, int64(20000), d)
	assert.False(t, done)
	d, done = c.Drain(0)
	assert.Equal(t, int64(5000), d)
	assert.True(t, done)
	assert.Zero(t, c.Pending())
}

func TestController_IdleTickClamped(t *testing.T) {
	l := &stubLoader{params: config.Params{StepRate: 100, IdleTick: 50000}}
	c := New(defaults(), l.load)
	c.ToggleFreeze()
	c.Poll()
	assert.Equal(t, int64(19999), c.IdleTick())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "normal", StateNormal.String())
	assert.Equal(t, "frozen-idle", StateFrozenIdle.String())
	assert.Equal(t, "frozen-stepping", StateFrozenStepping.String())
	assert.Equal(t, "unknown", State(42).String())
}
