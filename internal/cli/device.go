package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/pump.lab/internal/config"
	"github.com/banshee-data/pump.lab/internal/device"
	"github.com/banshee-data/pump.lab/internal/pump/pumpsim"
	"github.com/banshee-data/pump.lab/internal/serialmux"
)

// simPortName is the only port listed when --simulate is set.
const simPortName = "sim0"

var (
	simulate bool
	speedup  float64
	portName string
)

// addDeviceFlags registers the flags shared by commands that open the pump.
func addDeviceFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&simulate, "simulate", false, "drive a simulated pump instead of a serial port")
	fs.Float64Var(&speedup, "speedup", 1, "time multiplier for the simulated pump")
	fs.StringVar(&portName, "port", "", "serial port to open (overrides device.port)")
}

// pumpOpener returns the opener and discovery settings for cfg, honouring
// --simulate and --port.
func pumpOpener(cfg *config.File) (device.Opener, device.DiscoveryConfig) {
	o := device.Opener{ReplyTimeout: cfg.Polling.ReadTimeout.Duration}
	disc := device.DiscoveryFromConfig(cfg.Device)
	if portName != "" {
		disc.PortName = portName
	}
	if !simulate {
		o.Ports = device.EnumeratorLister{}
		o.Factory = serialmux.RealPortFactory{}
		return o, disc
	}

	sim := pumpsim.New(pumpsim.Options{Speedup: speedup})
	o.Ports = device.PortListerFunc(func() ([]device.PortInfo, error) {
		return []device.PortInfo{{Name: simPortName, Product: "simulated pump"}}, nil
	})
	o.Factory = serialmux.NewMockSerialPortFactory(sim)
	return o, device.DiscoveryConfig{PortName: simPortName, BaudRate: disc.BaudRate}
}

// withSession opens the configured pump, calls fn and closes the session.
func withSession(ctx context.Context, fn func(ctx context.Context, s *device.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opener, disc := pumpOpener(cfg)
	s, err := opener.Open(ctx, disc)
	if err != nil {
		return fmt.Errorf("open pump (%s): %w", disc, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logf("close %s: %v", s.Handle(), err)
		}
	}()
	return fn(ctx, s)
}

// commandTimeout bounds one-shot pump commands.
const commandTimeout = 10 * time.Second
