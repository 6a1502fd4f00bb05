// Package teamsvolume implements the audio tap engine: it attaches to one
// target application's audio stream through an OS process tap, routes it
// through a virtual aggregate device, applies a click-free ramped gain, and
// keeps the attachment alive across process restarts, output-device switches
// and permission changes. The hardware audio surface is injected (hal.Surface)
// so the whole engine runs against a fake in tests.
package teamsvolume

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bahmetpalanci/teams-volume/hal"
	"github.com/bahmetpalanci/teams-volume/process"
)

// Config holds engine construction parameters. Zero durations get defaults;
// Surface is required.
type Config struct {
	// ProcessName is the target application to follow. When set together
	// with Locator, the engine attaches automatically as soon as the
	// process is located.
	ProcessName string

	Surface hal.Surface
	// Locator resolves ProcessName to a pid. Optional; without it only
	// explicit Start(pid) attaches.
	Locator process.Locator
	// Sink receives diagnostics. Defaults to NopSink.
	Sink DiagnosticSink

	// PollInterval drives the control loop: permission checks, process
	// discovery and the connected-session probe. Default 1s.
	PollInterval time.Duration
	// DeviceReadyTimeout bounds the wait for a fresh aggregate device to
	// come alive. Default 3s, polled every DeviceReadyPoll (default 10ms).
	DeviceReadyTimeout time.Duration
	DeviceReadyPoll    time.Duration
	// WiredSettleDelay and WirelessSettleDelay are waited out between
	// destroying and rebuilding a session after an output-device change.
	// Wireless stacks need much longer to settle. Defaults 500ms / 3s.
	WiredSettleDelay    time.Duration
	WirelessSettleDelay time.Duration
	// DeadTapTimeout is the wall-clock dead-man limit: a connected session
	// whose callback has not run for this long is considered dead and torn
	// down. Default 5s.
	DeadTapTimeout time.Duration

	// InitialVolume in percent, 0..100. Default 100.
	InitialVolume int
}

func (c *Config) applyDefaults() error {
	if c.Surface == nil {
		return fmt.Errorf("config: Surface is required")
	}
	if c.Sink == nil {
		c.Sink = NopSink{}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DeviceReadyTimeout <= 0 {
		c.DeviceReadyTimeout = 3 * time.Second
	}
	if c.DeviceReadyPoll <= 0 {
		c.DeviceReadyPoll = 10 * time.Millisecond
	}
	if c.WiredSettleDelay <= 0 {
		c.WiredSettleDelay = 500 * time.Millisecond
	}
	if c.WirelessSettleDelay <= 0 {
		c.WirelessSettleDelay = 3 * time.Second
	}
	if c.DeadTapTimeout <= 0 {
		c.DeadTapTimeout = 5 * time.Second
	}
	if c.InitialVolume < 0 || c.InitialVolume > 100 {
		return fmt.Errorf("config: InitialVolume must be 0..100, got %d", c.InitialVolume)
	}
	if c.InitialVolume == 0 {
		c.InitialVolume = 100
	}
	return nil
}

// Diagnostics is the advisory counter snapshot exposed to collaborators.
type Diagnostics struct {
	BlockCount uint64
	PeakLevel  float64
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdPoke
)

type command struct {
	kind  cmdKind
	pid   int32
	reply chan error
}

type pendingReconnect struct {
	pid   int32
	timer *time.Timer
}

// Engine is the connection state machine. All session creation, destruction
// and reconfiguration happens on a single control goroutine fed by the poll
// ticker, output-device-change notifications and command requests, so at
// most one connect or reconnect is ever in flight.
type Engine struct {
	cfg     Config
	surface hal.Surface
	locator process.Locator
	sink    DiagnosticSink

	state atomic.Int32

	// targetGain persists the desired volume across sessions so a rebuilt
	// session starts at the user's volume instead of re-ramping.
	targetGain atomic.Uint64

	mu      sync.Mutex
	session *TapSession

	commands chan command
	pending  *pendingReconnect

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine validates the config and starts the control loop. Initial state
// is PermissionPending until the OS capture permission is granted, Idle
// otherwise.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		surface:  cfg.Surface,
		locator:  cfg.Locator,
		sink:     cfg.Sink,
		commands: make(chan command),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.targetGain.Store(math.Float64bits(float64(cfg.InitialVolume) / 100))

	if e.surface.CaptureAuthorized() {
		e.state.Store(int32(StateIdle))
	} else {
		e.state.Store(int32(StatePermissionPending))
		e.surface.RequestCaptureAuthorization()
		e.sink.Event("waiting for audio capture permission", nil)
	}

	go e.run()
	return e, nil
}

// State returns the current connection state.
func (e *Engine) State() ConnectionState {
	return ConnectionState(e.state.Load())
}

// IsActive reports whether a tap session is live.
func (e *Engine) IsActive() bool {
	return e.State() == StateConnected
}

// ConnectedPID returns the attached pid, or 0 when not connected.
func (e *Engine) ConnectedPID() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return 0
	}
	return e.session.PID
}

// SetVolume updates the target gain immediately; the audible change follows
// once the ramp converges. Percent is clamped to 0..100.
func (e *Engine) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	gain := float64(percent) / 100
	e.targetGain.Store(math.Float64bits(gain))

	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s != nil && s.Processor != nil {
		s.Processor.SetTargetGain(gain)
	}
}

// Volume returns the desired volume in percent.
func (e *Engine) Volume() int {
	return int(math.Round(e.desiredGain() * 100))
}

func (e *Engine) desiredGain() float64 {
	return math.Float64frombits(e.targetGain.Load())
}

// Diagnostics returns the live session's counters, or zeros when detached.
func (e *Engine) Diagnostics() Diagnostics {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil || s.Processor == nil {
		return Diagnostics{}
	}
	return Diagnostics{
		BlockCount: s.Processor.BlockCount(),
		PeakLevel:  s.Processor.PeakLevel(),
	}
}

// Start attaches to pid. A no-op success when already attached to the same
// pid; an existing session on a different pid is torn down first.
func (e *Engine) Start(pid int32) error {
	return e.send(command{kind: cmdStart, pid: pid})
}

// Stop detaches. Idempotent: a second call is a no-op. Automatic
// reconnection resumes on the next poll cycle.
func (e *Engine) Stop() error {
	return e.send(command{kind: cmdStop})
}

// Poke forces an immediate poll cycle instead of waiting for the ticker.
func (e *Engine) Poke() error {
	return e.send(command{kind: cmdPoke})
}

// Close stops the control loop and destroys any live session. The engine
// cannot be restarted afterwards.
func (e *Engine) Close() error {
	e.cancel()
	<-e.done
	return nil
}

func (e *Engine) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case e.commands <- cmd:
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
}

// run is the control loop. Everything that mutates the session runs here.
func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	changes := e.surface.DefaultOutputChanges()

	for {
		var settle <-chan time.Time
		if e.pending != nil {
			settle = e.pending.timer.C
		}

		select {
		case <-e.ctx.Done():
			e.cancelPending()
			e.teardown("engine closed")
			return

		case cmd := <-e.commands:
			cmd.reply <- e.handleCommand(cmd)

		case <-ticker.C:
			e.pollTick()

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			e.handleOutputChange()

		case <-settle:
			e.finishReconnect()
		}
	}
}

func (e *Engine) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdStart:
		if e.State() == StatePermissionPending {
			return ErrPermissionDenied
		}
		e.cancelPending()
		if e.State() == StateConnected {
			if e.connectedPIDLocked() == cmd.pid {
				return nil
			}
			e.teardown("target pid changed")
		}
		e.state.Store(int32(StateIdle))
		return e.connect(cmd.pid)

	case cmdStop:
		// Invalidates any pending reconnect; further automatic
		// reconnection resumes with the next poll.
		e.cancelPending()
		e.teardown("stop requested")
		if e.State() != StatePermissionPending {
			e.state.Store(int32(StateIdle))
		}
		return nil

	case cmdPoke:
		e.pollTick()
		return nil
	}
	return nil
}

// pollTick is the periodic probe: permission resolution, process discovery,
// and connected-session health.
func (e *Engine) pollTick() {
	switch e.State() {
	case StatePermissionPending:
		if e.surface.CaptureAuthorized() {
			e.state.Store(int32(StateIdle))
			e.sink.Event("audio capture permission granted", nil)
		}

	case StateIdle:
		if e.locator == nil || e.cfg.ProcessName == "" {
			return
		}
		pid, err := e.locator.FindPID(e.cfg.ProcessName)
		if err != nil {
			return
		}
		if err := e.connect(pid); err != nil {
			e.sink.Problem(err, "connect attempt failed", map[string]any{"pid": pid})
		}

	case StateConnected:
		e.probeConnected()
	}
}

// probeConnected verifies the attached process still exists under the same
// pid and that the tap is still rendering.
func (e *Engine) probeConnected() {
	pid := e.connectedPIDLocked()

	current, found := e.currentTargetPID(pid)
	if !found || current != pid {
		e.teardown("target process gone or restarted")
		e.state.Store(int32(StateIdle))
		if found {
			// Restarted under a new pid: reattach immediately rather
			// than waiting a full poll interval.
			if err := e.connect(current); err != nil {
				e.sink.Problem(err, "reattach after restart failed", map[string]any{"pid": current})
			}
		}
		return
	}

	if e.sessionDead() {
		e.sink.Event("dead tap detected", map[string]any{"pid": pid})
		e.teardown("dead tap")
		e.state.Store(int32(StateIdle))
	}
}

// currentTargetPID resolves where the target process lives now. With a
// locator the process list is authoritative; without one, existence of the
// attached pid is checked directly.
func (e *Engine) currentTargetPID(attached int32) (int32, bool) {
	if e.locator != nil && e.cfg.ProcessName != "" {
		pid, err := e.locator.FindPID(e.cfg.ProcessName)
		if err != nil {
			return 0, false
		}
		return pid, true
	}
	if process.Alive(attached) {
		return attached, true
	}
	return 0, false
}

// sessionDead applies the wall-clock dead-man rule: the driver keeps
// invoking the callback during silence, so a callback gap longer than
// DeadTapTimeout means the tap stopped, not that the audio went quiet.
// Block-counter deltas are advisory only.
func (e *Engine) sessionDead() bool {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil || s.Processor == nil {
		return false
	}
	last := s.Processor.LastRender()
	if last.IsZero() {
		// Never rendered: measure from session creation.
		last = s.createdAt
	}
	return time.Since(last) > e.cfg.DeadTapTimeout
}

// connect builds a session for pid. Runs only on the control goroutine.
func (e *Engine) connect(pid int32) error {
	if !e.casState(StateIdle, StateConnecting) {
		// A session is already live or a build is in flight; concurrent
		// attach attempts collapse to a no-op.
		return nil
	}
	s, err := e.createSession(pid)
	if err != nil {
		e.state.Store(int32(StateIdle))
		return err
	}
	e.adopt(s)
	e.state.Store(int32(StateConnected))
	e.sink.Event("attached", map[string]any{
		"pid":     pid,
		"session": s.ID,
		"output":  s.Output.Name,
		"mode":    s.Processor.Mode().String(),
		"rate":    s.Output.SampleRate,
	})
	return nil
}

// handleOutputChange reacts to a default-output topology change: tear the
// session down now, rebuild after a transport-dependent settle delay.
func (e *Engine) handleOutputChange() {
	if e.casState(StateConnected, StateReconnecting) {
		pid := e.connectedPIDLocked()
		e.teardown("default output changed")

		delay := e.settleDelay()
		e.sink.Event("output device changed, reconnecting", map[string]any{
			"pid":   pid,
			"delay": delay.String(),
		})
		e.cancelPending()
		e.pending = &pendingReconnect{pid: pid, timer: time.NewTimer(delay)}
		return
	}

	// A further change during the settle delay restarts the wait with the
	// latest output's delay, so a wired-to-wireless double switch still
	// gets the full wireless settle time.
	if e.State() == StateReconnecting && e.pending != nil {
		pid := e.pending.pid
		e.cancelPending()

		delay := e.settleDelay()
		e.sink.Event("output device changed again, restarting settle delay", map[string]any{
			"pid":   pid,
			"delay": delay.String(),
		})
		e.pending = &pendingReconnect{pid: pid, timer: time.NewTimer(delay)}
	}
}

// settleDelay picks the reconnect delay from the new default output's
// transport: wireless stacks take much longer to settle than wired ones.
func (e *Engine) settleDelay() time.Duration {
	out, err := e.surface.DefaultOutputDevice()
	if err != nil {
		return e.cfg.WirelessSettleDelay
	}
	return SettleDelayFor(out.Transport, e.cfg.WiredSettleDelay, e.cfg.WirelessSettleDelay)
}

// SettleDelayFor maps an output transport to its reconnect settle delay.
func SettleDelayFor(t hal.TransportKind, wired, wireless time.Duration) time.Duration {
	if t.IsWireless() {
		return wireless
	}
	return wired
}

// finishReconnect runs when the settle delay elapses. A stop or process
// event during the delay has already invalidated the pending reconnect, so
// re-check the state before finalizing.
func (e *Engine) finishReconnect() {
	if e.pending == nil {
		return
	}
	pid := e.pending.pid
	e.pending = nil

	if e.State() != StateReconnecting {
		return
	}
	e.state.Store(int32(StateIdle))
	if err := e.connect(pid); err != nil {
		e.sink.Problem(err, "reconnect failed", map[string]any{"pid": pid})
	}
}

func (e *Engine) cancelPending() {
	if e.pending == nil {
		return
	}
	e.pending.timer.Stop()
	e.pending = nil
}

// teardown destroys the live session, if any.
func (e *Engine) teardown(reason string) {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s == nil {
		return
	}
	e.destroySession(s)
	e.sink.Event("detached", map[string]any{"pid": s.PID, "reason": reason})
}

func (e *Engine) adopt(s *TapSession) {
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
}

func (e *Engine) connectedPIDLocked() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return 0
	}
	return e.session.PID
}

func (e *Engine) casState(from, to ConnectionState) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}
