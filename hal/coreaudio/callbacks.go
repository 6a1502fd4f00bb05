//go:build darwin && cgo

package coreaudio

/*
#include <CoreAudio/CoreAudio.h>

int bufferCount(const AudioBufferList* list);
Float32* bufferData(const AudioBufferList* list, int i);
int bufferSamples(const AudioBufferList* list, int i);
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"
)

//export goRender
func goRender(ref C.uintptr_t, inData *C.AudioBufferList, outData *C.AudioBufferList) {
	st, ok := cgo.Handle(ref).Value().(*procState)
	if !ok {
		return
	}
	st.in = bufferSlices(st.in, inData)
	st.out = bufferSlices(st.out, outData)
	st.fn(st.in, st.out)
}

//export goDefaultOutputChanged
func goDefaultOutputChanged(ref C.uintptr_t) {
	s, ok := cgo.Handle(ref).Value().(*Surface)
	if !ok {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
		// A change signal is already queued; coalesce.
	}
}

// bufferSlices rebuilds the reusable slice headers over the driver's
// buffers. Reuses the outer slice so steady-state blocks do not allocate.
func bufferSlices(dst [][]float32, list *C.AudioBufferList) [][]float32 {
	n := int(C.bufferCount(list))
	if cap(dst) < n {
		dst = make([][]float32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		data := C.bufferData(list, C.int(i))
		samples := int(C.bufferSamples(list, C.int(i)))
		if data == nil || samples == 0 {
			dst[i] = nil
			continue
		}
		dst[i] = unsafe.Slice((*float32)(unsafe.Pointer(data)), samples)
	}
	return dst
}
