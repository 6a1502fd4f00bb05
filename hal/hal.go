// Package hal defines the narrow hardware audio surface the tap engine is
// built against. The real implementation lives in hal/coreaudio; tests use a
// fake. The engine never touches OS handles directly, only the opaque types
// declared here.
package hal

// Opaque hardware handles. Zero is "unset" for every handle type; destroying
// an unset handle must be a no-op in every implementation.
type (
	// DeviceID identifies an audio device (physical or aggregate).
	DeviceID uint32
	// TapID identifies a process tap.
	TapID uint32
	// ProcessObjectID identifies the audio-object translation of a pid.
	ProcessObjectID uint32
	// IOProcID identifies a registered realtime callback on a device.
	IOProcID uint32
)

// TransportKind classifies how an output device is attached. Only the
// wired/wireless distinction matters to the engine: wireless transports need
// stacked routing and a longer settle delay after topology changes.
type TransportKind string

const (
	TransportBuiltIn     TransportKind = "builtin"
	TransportUSB         TransportKind = "usb"
	TransportThunderbolt TransportKind = "thunderbolt"
	TransportHDMI        TransportKind = "hdmi"
	TransportDisplayPort TransportKind = "displayport"
	TransportBluetooth   TransportKind = "bluetooth"
	TransportAirPlay     TransportKind = "airplay"
	TransportVirtual     TransportKind = "virtual"
	TransportUnknown     TransportKind = "unknown"
)

// IsWireless reports whether the transport has an independent wireless clock
// domain (Bluetooth, AirPlay).
func (t TransportKind) IsWireless() bool {
	return t == TransportBluetooth || t == TransportAirPlay
}

// OutputDevice is a snapshot of the default output device's topology at the
// moment a session is built.
type OutputDevice struct {
	ID              DeviceID
	UID             string
	Name            string
	Transport       TransportKind
	SampleRate      float64
	BufferFrameSize uint32
	InputChannels   int
	OutputChannels  int
}

// AggregateSpec describes the virtual device to build around a tap. The
// physical device is always the primary sub-device and the aggregate's clock
// source; the tap contributes its streams with drift compensation.
type AggregateSpec struct {
	Name              string
	UID               string
	PrimaryDeviceUID  string
	TapID             TapID
	DriftCompensation bool
	// Stacked keeps the physical device's own streams in the aggregate
	// ahead of the tap's streams (wireless clock domains require the
	// device to stay in its native channel configuration).
	Stacked bool
}

// RenderFunc is the realtime callback contract. It is invoked by the audio
// driver once per block with channel-major float32 buffers and must not
// allocate, lock, log, or perform syscalls. Input buffers may be fewer than
// output buffers; missing sources must be rendered as silence by the callee.
type RenderFunc func(in, out [][]float32)

// Surface is the hardware audio surface. All methods are control-plane
// operations and may block briefly; none are safe to call from a RenderFunc.
type Surface interface {
	// TranslatePID resolves a pid to its process audio object.
	TranslatePID(pid int32) (ProcessObjectID, error)

	// CreateProcessTap installs a tap on the process's output with
	// mute-while-tapped behavior: the process's direct output is silenced
	// and only the tapped copy is heard.
	CreateProcessTap(obj ProcessObjectID) (TapID, error)
	// DestroyProcessTap removes a tap. A zero TapID is a no-op.
	DestroyProcessTap(tap TapID) error

	// DefaultOutputDevice snapshots the current default output topology.
	DefaultOutputDevice() (OutputDevice, error)

	CreateAggregateDevice(spec AggregateSpec) (DeviceID, error)
	// DestroyAggregateDevice destroys a device. A zero DeviceID is a no-op.
	DestroyAggregateDevice(dev DeviceID) error

	// DeviceAlive reports whether the device has finished initializing and
	// is accepting IO.
	DeviceAlive(dev DeviceID) (bool, error)

	SetNominalSampleRate(dev DeviceID, rate float64) error
	SetBufferFrameSize(dev DeviceID, frames uint32) error

	CreateIOProc(dev DeviceID, fn RenderFunc) (IOProcID, error)
	// DestroyIOProc unregisters a callback. A zero IOProcID is a no-op.
	DestroyIOProc(dev DeviceID, proc IOProcID) error
	StartIOProc(dev DeviceID, proc IOProcID) error
	StopIOProc(dev DeviceID, proc IOProcID) error

	// CaptureAuthorized reports whether the OS audio-capture permission has
	// been granted to this process.
	CaptureAuthorized() bool
	// RequestCaptureAuthorization asks the OS to prompt the user. The
	// result arrives asynchronously via CaptureAuthorized.
	RequestCaptureAuthorization()

	// DefaultOutputChanges delivers a signal whenever the system default
	// output device changes. The channel is closed by Close.
	DefaultOutputChanges() <-chan struct{}

	// Close releases listener registrations held by the surface itself.
	// Sessions must be destroyed by their owner before Close.
	Close() error
}
