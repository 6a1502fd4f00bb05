package hal

import "testing"

func TestTransportIsWireless(t *testing.T) {
	wireless := []TransportKind{TransportBluetooth, TransportAirPlay}
	for _, k := range wireless {
		if !k.IsWireless() {
			t.Errorf("%s should be wireless", k)
		}
	}

	wired := []TransportKind{TransportBuiltIn, TransportUSB, TransportThunderbolt, TransportHDMI, TransportDisplayPort, TransportVirtual, TransportUnknown}
	for _, k := range wired {
		if k.IsWireless() {
			t.Errorf("%s should not be wireless", k)
		}
	}
}
