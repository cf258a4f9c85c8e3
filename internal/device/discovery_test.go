package device

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/pump.lab/internal/config"
)

var benchPorts = []PortInfo{
	{Name: "/dev/ttyS0"},
	{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A10K1234", Product: "FT232R USB UART"},
	{Name: "/dev/ttyUSB1", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A10K9999"},
	{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"},
}

func lister(ports ...PortInfo) PortLister {
	return PortListerFunc(func() ([]PortInfo, error) { return ports, nil })
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DiscoveryConfig
		want    Handle
		wantErr error
	}{
		{
			name: "exact id with serial",
			cfg:  DiscoveryConfig{HardwareID: "0403:6001:a10k9999"},
			want: Handle{PortName: "/dev/ttyUSB1", BaudRate: 115200, HardwareID: "0403:6001:A10K9999"},
		},
		{
			name: "vid pid without serial",
			cfg:  DiscoveryConfig{HardwareID: "2341:0043"},
			want: Handle{PortName: "/dev/ttyACM0", BaudRate: 115200, HardwareID: "2341:0043"},
		},
		{
			name:    "vid pid shared by two adapters",
			cfg:     DiscoveryConfig{HardwareID: "0403:6001"},
			wantErr: ErrAmbiguousDevice,
		},
		{
			name:    "unknown id",
			cfg:     DiscoveryConfig{HardwareID: "1234:5678"},
			wantErr: ErrDeviceNotFound,
		},
		{
			name:    "serial must match whole",
			cfg:     DiscoveryConfig{HardwareID: "0403:6001:A10K"},
			wantErr: ErrDeviceNotFound,
		},
		{
			name: "explicit port wins",
			cfg:  DiscoveryConfig{PortName: "/dev/ttyUSB0", HardwareID: "2341:0043", BaudRate: 9600},
			want: Handle{PortName: "/dev/ttyUSB0", BaudRate: 9600, HardwareID: "0403:6001:A10K1234"},
		},
		{
			name:    "explicit port not present",
			cfg:     DiscoveryConfig{PortName: "COM7"},
			wantErr: ErrDeviceNotFound,
		},
		{
			name:    "nothing configured",
			cfg:     DiscoveryConfig{},
			wantErr: ErrDeviceNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Discover(lister(benchPorts...), tt.cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Discover() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Discover() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Discover() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiscoveryErrorListsPorts(t *testing.T) {
	_, err := Discover(lister(benchPorts...), DiscoveryConfig{HardwareID: "1234:5678"})
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("error %v is not a *DiscoveryError", err)
	}
	msg := err.Error()
	for _, want := range []string{"hardware id 1234:5678", "/dev/ttyS0", "/dev/ttyUSB0 [0403:6001:A10K1234] FT232R USB UART", "/dev/ttyACM0 [2341:0043]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}

	_, err = Discover(lister(benchPorts...), DiscoveryConfig{HardwareID: "0403:6001"})
	if !errors.As(err, &de) {
		t.Fatalf("error %v is not a *DiscoveryError", err)
	}
	if len(de.Candidates) != 2 {
		t.Errorf("candidates = %v, want both FTDI adapters", de.Candidates)
	}

	_, err = Discover(lister(), DiscoveryConfig{HardwareID: "0403:6001"})
	if err == nil || !strings.Contains(err.Error(), "ports seen: none") {
		t.Errorf("error = %v, want it to say no ports were seen", err)
	}
}

func TestDiscoverListerError(t *testing.T) {
	boom := errors.New("permission denied")
	_, err := Discover(PortListerFunc(func() ([]PortInfo, error) { return nil, boom }), DiscoveryConfig{HardwareID: "0403:6001"})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}

func TestDiscoveryFromConfig(t *testing.T) {
	got := DiscoveryFromConfig(config.DeviceConfig{HardwareID: "0403:6001", Port: "COM4", BaudRate: 115200})
	want := DiscoveryConfig{HardwareID: "0403:6001", PortName: "COM4", BaudRate: 115200}
	if got != want {
		t.Errorf("DiscoveryFromConfig() = %+v, want %+v", got, want)
	}
}
