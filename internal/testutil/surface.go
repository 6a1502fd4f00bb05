// Package testutil provides the fake hardware audio surface the engine and
// session tests run against, plus scripted failure injection and resource
// accounting for rollback checks.
package testutil

import (
	"errors"
	"sync"

	"github.com/bahmetpalanci/teams-volume/hal"
)

// Step names for failure injection, one per surface operation that can fail
// during session construction.
const (
	StepTranslatePID    = "translate-pid"
	StepCreateTap       = "create-tap"
	StepDefaultOutput   = "default-output"
	StepCreateAggregate = "create-aggregate"
	StepDeviceAlive     = "device-alive"
	StepCreateIOProc    = "create-ioproc"
	StepStartIOProc     = "start-ioproc"
)

// ErrInjected is the error returned by scripted failures.
var ErrInjected = errors.New("injected failure")

// Surface is an in-memory hal.Surface. All counters and the live-resource
// sets are visible to tests; Fail marks individual steps as failing.
type Surface struct {
	mu sync.Mutex

	// Output is returned by DefaultOutputDevice. Tests mutate it and then
	// call ChangeDefaultOutput to deliver the notification.
	Output hal.OutputDevice

	// Authorized gates CaptureAuthorized.
	Authorized bool
	// AuthRequested counts RequestCaptureAuthorization calls.
	AuthRequested int

	// NotAlivePolls makes DeviceAlive report false that many times before
	// turning true, to exercise the ready wait.
	NotAlivePolls int

	failures map[string]bool

	nextHandle uint32

	liveTaps       map[hal.TapID]bool
	liveAggregates map[hal.DeviceID]bool
	liveIOProcs    map[hal.IOProcID]hal.DeviceID
	started        map[hal.IOProcID]bool
	renderFuncs    map[hal.IOProcID]hal.RenderFunc

	// KnownPIDs maps pids TranslatePID accepts. Empty map accepts all.
	KnownPIDs map[int32]bool

	SampleRateSets  []float64
	BufferFrameSets []uint32

	changes chan struct{}
	closed  bool
}

// NewSurface returns a fake surface with a wired stereo default output at
// 48kHz and capture permission granted.
func NewSurface() *Surface {
	return &Surface{
		Output: hal.OutputDevice{
			ID:              1,
			UID:             "fake-builtin",
			Name:            "Fake Built-in Output",
			Transport:       hal.TransportBuiltIn,
			SampleRate:      48000,
			BufferFrameSize: 512,
			InputChannels:   2,
			OutputChannels:  2,
		},
		Authorized:     true,
		failures:       map[string]bool{},
		liveTaps:       map[hal.TapID]bool{},
		liveAggregates: map[hal.DeviceID]bool{},
		liveIOProcs:    map[hal.IOProcID]hal.DeviceID{},
		started:        map[hal.IOProcID]bool{},
		renderFuncs:    map[hal.IOProcID]hal.RenderFunc{},
		KnownPIDs:      map[int32]bool{},
		changes:        make(chan struct{}, 4),
	}
}

// Fail makes the named step return ErrInjected until cleared with Pass.
func (s *Surface) Fail(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[step] = true
}

// Pass clears an injected failure.
func (s *Surface) Pass(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, step)
}

func (s *Surface) failing(step string) bool {
	return s.failures[step]
}

func (s *Surface) handle() uint32 {
	s.nextHandle++
	return s.nextHandle
}

// LiveResources reports how many taps, aggregates and ioprocs exist. All
// three must be zero after any rollback or teardown.
func (s *Surface) LiveResources() (taps, aggregates, ioprocs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveTaps), len(s.liveAggregates), len(s.liveIOProcs)
}

// StartedProcs reports how many ioprocs are currently running.
func (s *Surface) StartedProcs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, running := range s.started {
		if running {
			n++
		}
	}
	return n
}

// Render invokes every started render callback once with the given buffers,
// simulating one driver block.
func (s *Surface) Render(in, out [][]float32) {
	s.mu.Lock()
	var fns []hal.RenderFunc
	for proc, running := range s.started {
		if running {
			fns = append(fns, s.renderFuncs[proc])
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(in, out)
	}
}

// ChangeDefaultOutput swaps the default output description and delivers the
// device-change notification.
func (s *Surface) ChangeDefaultOutput(out hal.OutputDevice) {
	s.mu.Lock()
	s.Output = out
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.changes <- struct{}{}
	}
}

func (s *Surface) TranslatePID(pid int32) (hal.ProcessObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing(StepTranslatePID) {
		return 0, ErrInjected
	}
	if len(s.KnownPIDs) > 0 && !s.KnownPIDs[pid] {
		return 0, ErrInjected
	}
	return hal.ProcessObjectID(s.handle()), nil
}

func (s *Surface) CreateProcessTap(obj hal.ProcessObjectID) (hal.TapID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing(StepCreateTap) {
		return 0, ErrInjected
	}
	tap := hal.TapID(s.handle())
	s.liveTaps[tap] = true
	return tap, nil
}

func (s *Surface) DestroyProcessTap(tap hal.TapID) error {
	if tap == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.liveTaps, tap)
	return nil
}

func (s *Surface) DefaultOutputDevice() (hal.OutputDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing(StepDefaultOutput) {
		return hal.OutputDevice{}, ErrInjected
	}
	return s.Output, nil
}

func (s *Surface) CreateAggregateDevice(spec hal.AggregateSpec) (hal.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing(StepCreateAggregate) {
		return 0, ErrInjected
	}
	dev := hal.DeviceID(s.handle())
	s.liveAggregates[dev] = true
	return dev, nil
}

func (s *Surface) DestroyAggregateDevice(dev hal.DeviceID) error {
	if dev == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.liveAggregates, dev)
	return nil
}

func (s *Surface) DeviceAlive(dev hal.DeviceID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing(StepDeviceAlive) {
		return false, nil
	}
	if s.NotAlivePolls > 0 {
		s.NotAlivePolls--
		return false, nil
	}
	return s.liveAggregates[dev], nil
}

func (s *Surface) SetNominalSampleRate(dev hal.DeviceID, rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SampleRateSets = append(s.SampleRateSets, rate)
	return nil
}

func (s *Surface) SetBufferFrameSize(dev hal.DeviceID, frames uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BufferFrameSets = append(s.BufferFrameSets, frames)
	return nil
}

func (s *Surface) CreateIOProc(dev hal.DeviceID, fn hal.RenderFunc) (hal.IOProcID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing(StepCreateIOProc) {
		return 0, ErrInjected
	}
	proc := hal.IOProcID(s.handle())
	s.liveIOProcs[proc] = dev
	s.renderFuncs[proc] = fn
	return proc, nil
}

func (s *Surface) DestroyIOProc(dev hal.DeviceID, proc hal.IOProcID) error {
	if proc == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.liveIOProcs, proc)
	delete(s.renderFuncs, proc)
	delete(s.started, proc)
	return nil
}

func (s *Surface) StartIOProc(dev hal.DeviceID, proc hal.IOProcID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing(StepStartIOProc) {
		return ErrInjected
	}
	s.started[proc] = true
	return nil
}

func (s *Surface) StopIOProc(dev hal.DeviceID, proc hal.IOProcID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[proc] = false
	return nil
}

func (s *Surface) CaptureAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Authorized
}

func (s *Surface) RequestCaptureAuthorization() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AuthRequested++
}

// Authorize flips the permission state, as if the user accepted the prompt.
func (s *Surface) Authorize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Authorized = true
}

func (s *Surface) DefaultOutputChanges() <-chan struct{} {
	return s.changes
}

func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.changes)
	}
	return nil
}
