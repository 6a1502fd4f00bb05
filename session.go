package teamsvolume

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bahmetpalanci/teams-volume/hal"
	"github.com/bahmetpalanci/teams-volume/render"
)

// TapSession is the single live binding between a target process and the
// default output device: process tap, aggregate device, and the realtime
// callback registration, plus the topology snapshot the session was built
// against. Created by a successful connect, destroyed by stop or by a
// failed/aborted reconnect. Owned exclusively by the engine's control
// goroutine.
type TapSession struct {
	ID  uuid.UUID
	PID int32

	Tap       hal.TapID
	Aggregate hal.DeviceID
	IOProc    hal.IOProcID
	Started   bool

	// Output is the default output device topology at build time.
	Output hal.OutputDevice

	Processor *render.Processor

	createdAt time.Time
}

// createSession builds the full resource chain for pid: process object →
// tap → aggregate device → ready wait → format alignment → IOProc. Resource
// order is invariant; later resources reference earlier ones. Any failure
// rolls back everything created so far and returns the step's sentinel
// error, leaving nothing live.
func (e *Engine) createSession(pid int32) (*TapSession, error) {
	s := &TapSession{
		ID:        uuid.New(),
		PID:       pid,
		createdAt: time.Now(),
	}

	obj, err := e.surface.TranslatePID(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrProcessResolutionFailed, pid, err)
	}

	// Mute-while-tapped: the target's direct output is silenced so only
	// the gain-processed copy reaches the speakers.
	s.Tap, err = e.surface.CreateProcessTap(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrTapCreationFailed, pid, err)
	}

	s.Output, err = e.surface.DefaultOutputDevice()
	if err != nil {
		e.destroySession(s)
		return nil, fmt.Errorf("%w: default output lookup: %v", ErrAggregateDeviceCreationFailed, err)
	}

	mode := render.ModeDirect
	offset := 0
	if s.Output.Transport.IsWireless() {
		// Wireless clocks need the physical device kept in its native
		// channel configuration, so the aggregate exposes the device's
		// streams ahead of the tap's.
		mode = render.ModeStacked
		offset = s.Output.InputChannels
	}

	s.Aggregate, err = e.surface.CreateAggregateDevice(hal.AggregateSpec{
		Name:              fmt.Sprintf("%s Tap", e.cfg.ProcessName),
		UID:               "com.teams-volume.aggregate." + s.ID.String(),
		PrimaryDeviceUID:  s.Output.UID,
		TapID:             s.Tap,
		DriftCompensation: true,
		Stacked:           mode == render.ModeStacked,
	})
	if err != nil {
		e.destroySession(s)
		return nil, fmt.Errorf("%w: %v", ErrAggregateDeviceCreationFailed, err)
	}

	if err := e.waitDeviceReady(s.Aggregate); err != nil {
		e.destroySession(s)
		return nil, err
	}

	e.alignAggregateFormat(s)

	alpha := render.Alpha(s.Output.SampleRate)
	s.Processor = render.NewProcessor(mode, offset, alpha, e.desiredGain())

	s.IOProc, err = e.surface.CreateIOProc(s.Aggregate, s.Processor.Process)
	if err != nil {
		e.destroySession(s)
		return nil, fmt.Errorf("%w: %v", ErrIOProcCreationFailed, err)
	}

	if err := e.surface.StartIOProc(s.Aggregate, s.IOProc); err != nil {
		e.destroySession(s)
		return nil, fmt.Errorf("%w: %v", ErrIOProcStartFailed, err)
	}
	s.Started = true

	return s, nil
}

// destroySession tears the session down in exact reverse creation order:
// stop → destroy IOProc → destroy aggregate → destroy tap. Safe on a
// partially constructed session; every step is a no-op for an unset handle.
func (e *Engine) destroySession(s *TapSession) {
	if s == nil {
		return
	}
	if s.Started {
		if err := e.surface.StopIOProc(s.Aggregate, s.IOProc); err != nil {
			e.sink.Problem(err, "stopping io proc", map[string]any{"session": s.ID})
		}
		s.Started = false
	}
	if s.IOProc != 0 {
		if err := e.surface.DestroyIOProc(s.Aggregate, s.IOProc); err != nil {
			e.sink.Problem(err, "destroying io proc", map[string]any{"session": s.ID})
		}
		s.IOProc = 0
	}
	if s.Aggregate != 0 {
		if err := e.surface.DestroyAggregateDevice(s.Aggregate); err != nil {
			e.sink.Problem(err, "destroying aggregate device", map[string]any{"session": s.ID})
		}
		s.Aggregate = 0
	}
	if s.Tap != 0 {
		if err := e.surface.DestroyProcessTap(s.Tap); err != nil {
			e.sink.Problem(err, "destroying process tap", map[string]any{"session": s.ID})
		}
		s.Tap = 0
	}
}

// waitDeviceReady polls the aggregate's liveness until it accepts IO or the
// ready timeout elapses. A freshly created aggregate needs a moment before
// its IO machinery is usable.
func (e *Engine) waitDeviceReady(dev hal.DeviceID) error {
	deadline := time.Now().Add(e.cfg.DeviceReadyTimeout)
	for {
		alive, err := e.surface.DeviceAlive(dev)
		if err == nil && alive {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: after %v", ErrDeviceNotReadyTimeout, e.cfg.DeviceReadyTimeout)
		}
		time.Sleep(e.cfg.DeviceReadyPoll)
	}
}

// alignAggregateFormat matches the aggregate's sample rate and buffer size
// to the physical device. Skipped for wireless outputs, which are already at
// their native configuration and glitch when renegotiated. Best effort: a
// mismatch costs latency, not correctness.
func (e *Engine) alignAggregateFormat(s *TapSession) {
	if s.Output.Transport.IsWireless() {
		return
	}
	if err := e.surface.SetNominalSampleRate(s.Aggregate, s.Output.SampleRate); err != nil {
		e.sink.Problem(err, "aligning aggregate sample rate", map[string]any{
			"session": s.ID, "rate": s.Output.SampleRate,
		})
	}
	if err := e.surface.SetBufferFrameSize(s.Aggregate, s.Output.BufferFrameSize); err != nil {
		e.sink.Problem(err, "aligning aggregate buffer size", map[string]any{
			"session": s.ID, "frames": s.Output.BufferFrameSize,
		})
	}
}
