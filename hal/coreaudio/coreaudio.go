//go:build darwin && cgo

// Package coreaudio implements hal.Surface on the CoreAudio HAL: process
// taps, aggregate devices and device IOProcs. One Surface per process is the
// expected usage; it owns the default-output property listener and the
// trampoline registry for render callbacks.
package coreaudio

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework CoreAudio -framework AudioToolbox -framework AVFoundation -framework Foundation
#import <CoreAudio/CoreAudio.h>
#import <CoreAudio/CATapDescription.h>
#import <CoreAudio/AudioHardwareTapping.h>
#import <AVFoundation/AVFoundation.h>
#include <stdlib.h>
#include <string.h>
#include <stdbool.h>

extern void goRender(uintptr_t ref,
    const AudioBufferList* inData, AudioBufferList* outData);
extern void goDefaultOutputChanged(uintptr_t ref);

static OSStatus ioProcShim(AudioObjectID device,
    const AudioTimeStamp* now,
    const AudioBufferList* inputData, const AudioTimeStamp* inputTime,
    AudioBufferList* outputData, const AudioTimeStamp* outputTime,
    void* clientData) {
    goRender((uintptr_t)clientData, inputData, outputData);
    return kAudioHardwareNoError;
}

static AudioObjectID translatePID(pid_t pid, OSStatus* status) {
    AudioObjectID obj = kAudioObjectUnknown;
    AudioObjectPropertyAddress addr = {
        kAudioHardwarePropertyTranslatePIDToProcessObject,
        kAudioObjectPropertyScopeGlobal,
        kAudioObjectPropertyElementMain,
    };
    UInt32 size = sizeof(obj);
    *status = AudioObjectGetPropertyData(kAudioObjectSystemObject, &addr,
        sizeof(pid), &pid, &size, &obj);
    return obj;
}

static AudioObjectID createProcessTap(AudioObjectID processObj, OSStatus* status) {
    CATapDescription* desc = [[CATapDescription alloc]
        initStereoMixdownOfProcesses:@[ @(processObj) ]];
    desc.muteBehavior = CATapMutedWhenTapped;
    desc.privateTap = YES;
    AudioObjectID tap = kAudioObjectUnknown;
    *status = AudioHardwareCreateProcessTap(desc, &tap);
    return tap;
}

static void destroyProcessTap(AudioObjectID tap) {
    AudioHardwareDestroyProcessTap(tap);
}

// copyString returns a malloc'd UTF-8 copy of a CFString device property, or
// NULL. Caller frees.
static char* copyString(AudioObjectID obj, AudioObjectPropertySelector sel) {
    AudioObjectPropertyAddress addr = { sel,
        kAudioObjectPropertyScopeGlobal, kAudioObjectPropertyElementMain };
    CFStringRef value = NULL;
    UInt32 size = sizeof(value);
    if (AudioObjectGetPropertyData(obj, &addr, 0, NULL, &size, &value) != noErr
        || value == NULL) {
        return NULL;
    }
    NSString* str = (__bridge_transfer NSString*)value;
    return strdup([str UTF8String]);
}

static AudioObjectID defaultOutputDevice(OSStatus* status) {
    AudioObjectID dev = kAudioObjectUnknown;
    AudioObjectPropertyAddress addr = {
        kAudioHardwarePropertyDefaultOutputDevice,
        kAudioObjectPropertyScopeGlobal,
        kAudioObjectPropertyElementMain,
    };
    UInt32 size = sizeof(dev);
    *status = AudioObjectGetPropertyData(kAudioObjectSystemObject, &addr,
        0, NULL, &size, &dev);
    return dev;
}

static OSStatus deviceUInt32(AudioObjectID dev, AudioObjectPropertySelector sel,
    AudioObjectPropertyScope scope, UInt32* value) {
    AudioObjectPropertyAddress addr = { sel, scope, kAudioObjectPropertyElementMain };
    UInt32 size = sizeof(*value);
    return AudioObjectGetPropertyData(dev, &addr, 0, NULL, &size, value);
}

static OSStatus deviceFloat64(AudioObjectID dev, AudioObjectPropertySelector sel,
    Float64* value) {
    AudioObjectPropertyAddress addr = { sel,
        kAudioObjectPropertyScopeGlobal, kAudioObjectPropertyElementMain };
    UInt32 size = sizeof(*value);
    return AudioObjectGetPropertyData(dev, &addr, 0, NULL, &size, value);
}

static int deviceChannels(AudioObjectID dev, AudioObjectPropertyScope scope) {
    AudioObjectPropertyAddress addr = {
        kAudioDevicePropertyStreamConfiguration, scope,
        kAudioObjectPropertyElementMain };
    UInt32 size = 0;
    if (AudioObjectGetPropertyDataSize(dev, &addr, 0, NULL, &size) != noErr) {
        return 0;
    }
    AudioBufferList* list = (AudioBufferList*)malloc(size);
    if (!list) return 0;
    int channels = 0;
    if (AudioObjectGetPropertyData(dev, &addr, 0, NULL, &size, list) == noErr) {
        for (UInt32 i = 0; i < list->mNumberBuffers; i++) {
            channels += list->mBuffers[i].mNumberChannels;
        }
    }
    free(list);
    return channels;
}

static AudioObjectID createAggregate(const char* name, const char* uid,
    const char* primaryUID, const char* tapUID, bool stacked, bool drift,
    OSStatus* status) {
    NSString* primary = [NSString stringWithUTF8String:primaryUID];
    NSDictionary* desc = @{
        @kAudioAggregateDeviceNameKey: [NSString stringWithUTF8String:name],
        @kAudioAggregateDeviceUIDKey: [NSString stringWithUTF8String:uid],
        @kAudioAggregateDeviceMainSubDeviceKey: primary,
        @kAudioAggregateDeviceClockDeviceKey: primary,
        @kAudioAggregateDeviceIsPrivateKey: @YES,
        @kAudioAggregateDeviceIsStackedKey: @(stacked),
        @kAudioAggregateDeviceSubDeviceListKey: @[ @{
            @kAudioSubDeviceUIDKey: primary,
            @kAudioSubDeviceDriftCompensationKey: @(drift),
        } ],
        @kAudioAggregateDeviceTapListKey: @[ @{
            @kAudioSubTapUIDKey: [NSString stringWithUTF8String:tapUID],
            @kAudioSubTapDriftCompensationKey: @(drift),
        } ],
        @kAudioAggregateDeviceTapAutoStartKey: @YES,
    };
    AudioObjectID dev = kAudioObjectUnknown;
    *status = AudioHardwareCreateAggregateDevice(
        (__bridge CFDictionaryRef)desc, &dev);
    return dev;
}

static OSStatus destroyAggregate(AudioObjectID dev) {
    return AudioHardwareDestroyAggregateDevice(dev);
}

static OSStatus setSampleRate(AudioObjectID dev, Float64 rate) {
    AudioObjectPropertyAddress addr = {
        kAudioDevicePropertyNominalSampleRate,
        kAudioObjectPropertyScopeGlobal, kAudioObjectPropertyElementMain };
    return AudioObjectSetPropertyData(dev, &addr, 0, NULL, sizeof(rate), &rate);
}

static OSStatus setBufferFrames(AudioObjectID dev, UInt32 frames) {
    AudioObjectPropertyAddress addr = {
        kAudioDevicePropertyBufferFrameSize,
        kAudioObjectPropertyScopeGlobal, kAudioObjectPropertyElementMain };
    return AudioObjectSetPropertyData(dev, &addr, 0, NULL, sizeof(frames), &frames);
}

static OSStatus createIOProc(AudioObjectID dev, uintptr_t ref,
    AudioDeviceIOProcID* procID) {
    return AudioDeviceCreateIOProcID(dev, ioProcShim, (void*)ref, procID);
}

static bool captureAuthorized(void) {
    return [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio]
        == AVAuthorizationStatusAuthorized;
}

static void requestCaptureAuthorization(void) {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio
        completionHandler:^(BOOL granted) { (void)granted; }];
}

static OSStatus installDefaultOutputListener(uintptr_t ref) {
    AudioObjectPropertyAddress addr = {
        kAudioHardwarePropertyDefaultOutputDevice,
        kAudioObjectPropertyScopeGlobal, kAudioObjectPropertyElementMain };
    return AudioObjectAddPropertyListenerBlock(kAudioObjectSystemObject, &addr,
        dispatch_get_global_queue(QOS_CLASS_DEFAULT, 0),
        ^(UInt32 numAddresses, const AudioObjectPropertyAddress* addresses) {
            goDefaultOutputChanged(ref);
        });
}

int bufferCount(const AudioBufferList* list) {
    return list ? (int)list->mNumberBuffers : 0;
}

Float32* bufferData(const AudioBufferList* list, int i) {
    return (Float32*)list->mBuffers[i].mData;
}

int bufferSamples(const AudioBufferList* list, int i) {
    return (int)(list->mBuffers[i].mDataByteSize / sizeof(Float32));
}
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/bahmetpalanci/teams-volume/hal"
)

// procState carries one IOProc's Go-side callback plus reusable slice
// headers so the render path does not allocate per block after warmup.
type procState struct {
	fn     hal.RenderFunc
	procID C.AudioDeviceIOProcID
	in     [][]float32
	out    [][]float32
}

// Surface is the CoreAudio-backed hal.Surface.
type Surface struct {
	mu      sync.Mutex
	procs   map[hal.IOProcID]*procState
	tapUIDs map[hal.TapID]string
	nextID  uint32

	changes chan struct{}
	closed  bool

	// listenerRef stays alive for the process lifetime: the HAL property
	// listener cannot be raced against handle deletion, and one Surface
	// per process is the intended usage.
	listenerRef cgo.Handle
}

// New creates the surface and installs the default-output listener.
func New() (*Surface, error) {
	s := &Surface{
		procs:   make(map[hal.IOProcID]*procState),
		tapUIDs: make(map[hal.TapID]string),
		changes: make(chan struct{}, 4),
	}
	s.listenerRef = cgo.NewHandle(s)
	if status := C.installDefaultOutputListener(C.uintptr_t(s.listenerRef)); status != 0 {
		s.listenerRef.Delete()
		return nil, fmt.Errorf("default output listener: status %d", int32(status))
	}
	return s, nil
}

func (s *Surface) TranslatePID(pid int32) (hal.ProcessObjectID, error) {
	var status C.OSStatus
	obj := C.translatePID(C.pid_t(pid), &status)
	if status != 0 || obj == C.kAudioObjectUnknown {
		return 0, fmt.Errorf("translate pid %d: status %d", pid, int32(status))
	}
	return hal.ProcessObjectID(obj), nil
}

func (s *Surface) CreateProcessTap(obj hal.ProcessObjectID) (hal.TapID, error) {
	var status C.OSStatus
	tap := C.createProcessTap(C.AudioObjectID(obj), &status)
	if status != 0 || tap == C.kAudioObjectUnknown {
		return 0, fmt.Errorf("create process tap: status %d", int32(status))
	}
	uid := C.copyString(tap, C.kAudioTapPropertyUID)
	if uid == nil {
		C.destroyProcessTap(tap)
		return 0, fmt.Errorf("create process tap: no tap uid")
	}
	defer C.free(unsafe.Pointer(uid))

	id := hal.TapID(tap)
	s.mu.Lock()
	s.tapUIDs[id] = C.GoString(uid)
	s.mu.Unlock()
	return id, nil
}

func (s *Surface) DestroyProcessTap(tap hal.TapID) error {
	if tap == 0 {
		return nil
	}
	s.mu.Lock()
	delete(s.tapUIDs, tap)
	s.mu.Unlock()
	C.destroyProcessTap(C.AudioObjectID(tap))
	return nil
}

func (s *Surface) DefaultOutputDevice() (hal.OutputDevice, error) {
	var status C.OSStatus
	dev := C.defaultOutputDevice(&status)
	if status != 0 || dev == C.kAudioObjectUnknown {
		return hal.OutputDevice{}, fmt.Errorf("default output: status %d", int32(status))
	}

	out := hal.OutputDevice{ID: hal.DeviceID(dev)}

	if uid := C.copyString(dev, C.kAudioDevicePropertyDeviceUID); uid != nil {
		out.UID = C.GoString(uid)
		C.free(unsafe.Pointer(uid))
	}
	if name := C.copyString(dev, C.kAudioObjectPropertyName); name != nil {
		out.Name = C.GoString(name)
		C.free(unsafe.Pointer(name))
	}

	var transport C.UInt32
	if C.deviceUInt32(dev, C.kAudioDevicePropertyTransportType,
		C.kAudioObjectPropertyScopeGlobal, &transport) == 0 {
		out.Transport = transportKind(uint32(transport))
	} else {
		out.Transport = hal.TransportUnknown
	}

	var rate C.Float64
	if C.deviceFloat64(dev, C.kAudioDevicePropertyNominalSampleRate, &rate) == 0 {
		out.SampleRate = float64(rate)
	}
	var frames C.UInt32
	if C.deviceUInt32(dev, C.kAudioDevicePropertyBufferFrameSize,
		C.kAudioObjectPropertyScopeGlobal, &frames) == 0 {
		out.BufferFrameSize = uint32(frames)
	}

	out.InputChannels = int(C.deviceChannels(dev, C.kAudioObjectPropertyScopeInput))
	out.OutputChannels = int(C.deviceChannels(dev, C.kAudioObjectPropertyScopeOutput))
	return out, nil
}

func (s *Surface) CreateAggregateDevice(spec hal.AggregateSpec) (hal.DeviceID, error) {
	s.mu.Lock()
	tapUID, ok := s.tapUIDs[spec.TapID]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("create aggregate: unknown tap %d", spec.TapID)
	}

	name := C.CString(spec.Name)
	uid := C.CString(spec.UID)
	primary := C.CString(spec.PrimaryDeviceUID)
	tap := C.CString(tapUID)
	defer C.free(unsafe.Pointer(name))
	defer C.free(unsafe.Pointer(uid))
	defer C.free(unsafe.Pointer(primary))
	defer C.free(unsafe.Pointer(tap))

	var status C.OSStatus
	dev := C.createAggregate(name, uid, primary, tap,
		C.bool(spec.Stacked), C.bool(spec.DriftCompensation), &status)
	if status != 0 || dev == C.kAudioObjectUnknown {
		return 0, fmt.Errorf("create aggregate device: status %d", int32(status))
	}
	return hal.DeviceID(dev), nil
}

func (s *Surface) DestroyAggregateDevice(dev hal.DeviceID) error {
	if dev == 0 {
		return nil
	}
	if status := C.destroyAggregate(C.AudioObjectID(dev)); status != 0 {
		return fmt.Errorf("destroy aggregate device: status %d", int32(status))
	}
	return nil
}

func (s *Surface) DeviceAlive(dev hal.DeviceID) (bool, error) {
	var alive C.UInt32
	status := C.deviceUInt32(C.AudioObjectID(dev), C.kAudioDevicePropertyDeviceIsAlive,
		C.kAudioObjectPropertyScopeGlobal, &alive)
	if status != 0 {
		return false, fmt.Errorf("device alive: status %d", int32(status))
	}
	return alive != 0, nil
}

func (s *Surface) SetNominalSampleRate(dev hal.DeviceID, rate float64) error {
	if status := C.setSampleRate(C.AudioObjectID(dev), C.Float64(rate)); status != 0 {
		return fmt.Errorf("set sample rate: status %d", int32(status))
	}
	return nil
}

func (s *Surface) SetBufferFrameSize(dev hal.DeviceID, frames uint32) error {
	if status := C.setBufferFrames(C.AudioObjectID(dev), C.UInt32(frames)); status != 0 {
		return fmt.Errorf("set buffer frame size: status %d", int32(status))
	}
	return nil
}

func (s *Surface) CreateIOProc(dev hal.DeviceID, fn hal.RenderFunc) (hal.IOProcID, error) {
	st := &procState{fn: fn}
	ref := cgo.NewHandle(st)

	var procID C.AudioDeviceIOProcID
	if status := C.createIOProc(C.AudioObjectID(dev), C.uintptr_t(ref), &procID); status != 0 {
		ref.Delete()
		return 0, fmt.Errorf("create io proc: status %d", int32(status))
	}
	st.procID = procID

	s.mu.Lock()
	s.nextID++
	id := hal.IOProcID(s.nextID)
	s.procs[id] = st
	s.mu.Unlock()

	// The handle stays alive until DestroyIOProc; the driver holds the
	// ref while the proc is registered.
	procHandles.Store(id, ref)
	return id, nil
}

func (s *Surface) DestroyIOProc(dev hal.DeviceID, proc hal.IOProcID) error {
	if proc == 0 {
		return nil
	}
	s.mu.Lock()
	st := s.procs[proc]
	delete(s.procs, proc)
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	status := C.AudioDeviceDestroyIOProcID(C.AudioObjectID(dev), st.procID)
	if ref, ok := procHandles.LoadAndDelete(proc); ok {
		ref.(cgo.Handle).Delete()
	}
	if status != 0 {
		return fmt.Errorf("destroy io proc: status %d", int32(status))
	}
	return nil
}

func (s *Surface) StartIOProc(dev hal.DeviceID, proc hal.IOProcID) error {
	s.mu.Lock()
	st := s.procs[proc]
	s.mu.Unlock()
	if st == nil {
		return fmt.Errorf("start io proc: unknown proc %d", proc)
	}
	if status := C.AudioDeviceStart(C.AudioObjectID(dev), st.procID); status != 0 {
		return fmt.Errorf("start io proc: status %d", int32(status))
	}
	return nil
}

func (s *Surface) StopIOProc(dev hal.DeviceID, proc hal.IOProcID) error {
	s.mu.Lock()
	st := s.procs[proc]
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	if status := C.AudioDeviceStop(C.AudioObjectID(dev), st.procID); status != 0 {
		return fmt.Errorf("stop io proc: status %d", int32(status))
	}
	return nil
}

func (s *Surface) CaptureAuthorized() bool {
	return bool(C.captureAuthorized())
}

func (s *Surface) RequestCaptureAuthorization() {
	C.requestCaptureAuthorization()
}

func (s *Surface) DefaultOutputChanges() <-chan struct{} {
	return s.changes
}

func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.changes)
	return nil
}

var procHandles sync.Map // hal.IOProcID -> cgo.Handle

func transportKind(t uint32) hal.TransportKind {
	switch t {
	case C.kAudioDeviceTransportTypeBuiltIn:
		return hal.TransportBuiltIn
	case C.kAudioDeviceTransportTypeUSB:
		return hal.TransportUSB
	case C.kAudioDeviceTransportTypeThunderbolt, C.kAudioDeviceTransportTypePCI:
		return hal.TransportThunderbolt
	case C.kAudioDeviceTransportTypeHDMI:
		return hal.TransportHDMI
	case C.kAudioDeviceTransportTypeDisplayPort:
		return hal.TransportDisplayPort
	case C.kAudioDeviceTransportTypeBluetooth, C.kAudioDeviceTransportTypeBluetoothLE:
		return hal.TransportBluetooth
	case C.kAudioDeviceTransportTypeAirPlay:
		return hal.TransportAirPlay
	case C.kAudioDeviceTransportTypeVirtual, C.kAudioDeviceTransportTypeAggregate:
		return hal.TransportVirtual
	default:
		return hal.TransportUnknown
	}
}
