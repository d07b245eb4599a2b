package link

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPortInfo_Guess(t *testing.T) {
	tests := []struct {
		port PortInfo
		want string
	}{
		{PortInfo{Name: "/dev/ttyACM0", USB: true, VID: "2E8A", PID: "000A"}, "pico"},
		{PortInfo{Name: "/dev/ttyACM1", USB: true, VID: "2341", PID: "1002"}, "r4"},
		{PortInfo{Name: "/dev/ttyUSB0", USB: true, VID: "1A86", PID: "55D3"}, "feetech"},
		{PortInfo{Name: "/dev/cu.usbmodem1101"}, "r4"},
		{PortInfo{Name: "/dev/cu.usbserial-A10K"}, "feetech"},
		{PortInfo{Name: "/dev/ttyS0"}, ""},
	}
	for _, tt := range tests {
		if got := tt.port.Guess(); got != tt.want {
			t.Errorf("Guess(%s) = %q, want %q", tt.port, got, tt.want)
		}
	}
}

func TestPortInfo_String(t *testing.T) {
	p := PortInfo{Name: "/dev/ttyACM0", USB: true, VID: "2e8a", PID: "000a", Product: "Pico"}
	if got, want := p.String(), "/dev/ttyACM0 [2e8a:000a] Pico"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := (PortInfo{Name: "/dev/ttyS0"}).String(); got != "/dev/ttyS0" {
		t.Errorf("String() = %q, want plain name", got)
	}
}

func TestSortPorts(t *testing.T) {
	ports := []PortInfo{
		{Name: "/dev/ttyS1"},
		{Name: "/dev/ttyUSB0", USB: true},
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", USB: true},
	}
	sortPorts(ports)

	var names []string
	for _, p := range ports {
		names = append(names, p.Name)
	}
	want := []string{"/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyS1"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}
