package teamsvolume

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bahmetpalanci/teams-volume/hal"
	"github.com/bahmetpalanci/teams-volume/internal/testutil"
	"github.com/bahmetpalanci/teams-volume/render"
)

// Every creation step that can fail must roll back everything built before
// it: no taps, aggregates or ioprocs may survive a failed attach.
func TestCreateSessionRollsBackOnFailure(t *testing.T) {
	cases := []struct {
		step string
		want error
	}{
		{testutil.StepTranslatePID, ErrProcessResolutionFailed},
		{testutil.StepCreateTap, ErrTapCreationFailed},
		{testutil.StepDefaultOutput, ErrAggregateDeviceCreationFailed},
		{testutil.StepCreateAggregate, ErrAggregateDeviceCreationFailed},
		{testutil.StepCreateIOProc, ErrIOProcCreationFailed},
		{testutil.StepStartIOProc, ErrIOProcStartFailed},
	}

	for _, tc := range cases {
		t.Run(tc.step, func(t *testing.T) {
			surface := testutil.NewSurface()
			surface.Fail(tc.step)
			e := newTestEngine(t, surface, nil)

			err := e.Start(42)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, StateIdle, e.State())
			assert.Nil(t, e.testSession())

			taps, aggs, procs := surface.LiveResources()
			assert.Zero(t, taps, "leaked tap")
			assert.Zero(t, aggs, "leaked aggregate device")
			assert.Zero(t, procs, "leaked io proc")
		})
	}
}

func TestCreateSessionDeviceNeverReady(t *testing.T) {
	surface := testutil.NewSurface()
	surface.Fail(testutil.StepDeviceAlive)
	e := newTestEngine(t, surface, func(c *Config) {
		c.DeviceReadyTimeout = 30 * time.Millisecond
		c.DeviceReadyPoll = time.Millisecond
	})

	err := e.Start(42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotReadyTimeout)
	assert.Equal(t, StateIdle, e.State())

	taps, aggs, procs := surface.LiveResources()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{taps, aggs, procs})
}

func TestCreateSessionSurvivesSlowDevice(t *testing.T) {
	surface := testutil.NewSurface()
	surface.NotAlivePolls = 5
	e := newTestEngine(t, surface, nil)

	require.NoError(t, e.Start(42))
	assert.True(t, e.IsActive())
}

func TestCreateSessionRetryAfterFailure(t *testing.T) {
	surface := testutil.NewSurface()
	surface.Fail(testutil.StepCreateTap)
	e := newTestEngine(t, surface, nil)

	require.Error(t, e.Start(42))

	surface.Pass(testutil.StepCreateTap)
	require.NoError(t, e.Start(42))
	assert.True(t, e.IsActive())
}

func TestWiredSessionAlignsAggregateFormat(t *testing.T) {
	surface := testutil.NewSurface()
	e := newTestEngine(t, surface, nil)

	require.NoError(t, e.Start(42))

	s := e.testSession()
	require.NotNil(t, s)
	assert.Equal(t, render.ModeDirect, s.Processor.Mode())

	require.NoError(t, e.Stop())
	// Format alignment mirrors the physical device.
	require.Len(t, surface.SampleRateSets, 1)
	assert.Equal(t, 48000.0, surface.SampleRateSets[0])
	require.Len(t, surface.BufferFrameSets, 1)
	assert.Equal(t, uint32(512), surface.BufferFrameSets[0])
}

func TestWirelessSessionSkipsFormatAlignment(t *testing.T) {
	surface := testutil.NewSurface()
	surface.Output.Transport = hal.TransportBluetooth
	surface.Output.SampleRate = 24000
	surface.Output.InputChannels = 1
	e := newTestEngine(t, surface, nil)

	require.NoError(t, e.Start(42))

	s := e.testSession()
	require.NotNil(t, s)
	assert.Equal(t, render.ModeStacked, s.Processor.Mode())
	assert.Equal(t, 1, s.Processor.StackedOffset())

	require.NoError(t, e.Stop())
	assert.Empty(t, surface.SampleRateSets, "wireless outputs keep their native rate")
	assert.Empty(t, surface.BufferFrameSets)
}

func TestRampAlphaTracksOutputRate(t *testing.T) {
	surface := testutil.NewSurface()
	surface.Output.SampleRate = 24000
	e := newTestEngine(t, surface, nil)

	require.NoError(t, e.Start(42))
	assert.InDelta(t, render.Alpha(24000), e.testSession().Processor.Alpha(), 1e-12)
}
