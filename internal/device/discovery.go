// Package device binds the pump protocol engine to one discovered serial
// endpoint and guards pump operations with the last known pump state.
package device

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/banshee-data/pump.lab/internal/config"
	"github.com/banshee-data/pump.lab/internal/serialmux"
)

var (
	// ErrDeviceNotFound is returned when no serial endpoint matches.
	ErrDeviceNotFound = errors.New("pump not found")
	// ErrAmbiguousDevice is returned when more than one endpoint matches at
	// the best tier.
	ErrAmbiguousDevice = errors.New("more than one port matches")
)

// DiscoveryConfig says which endpoint to open.
type DiscoveryConfig struct {
	// HardwareID is VID:PID or VID:PID:SERIAL, hex, case-insensitive.
	HardwareID string
	// PortName pins an explicit port and takes precedence over HardwareID.
	PortName string
	// BaudRate overrides the pump's line speed when non-zero.
	BaudRate int
}

// DiscoveryFromConfig converts the device section of the config file.
func DiscoveryFromConfig(c config.DeviceConfig) DiscoveryConfig {
	return DiscoveryConfig{HardwareID: c.HardwareID, PortName: c.Port, BaudRate: c.BaudRate}
}

func (c DiscoveryConfig) String() string {
	switch {
	case c.PortName != "" && c.HardwareID != "":
		return fmt.Sprintf("port %s (hardware id %s)", c.PortName, c.HardwareID)
	case c.PortName != "":
		return "port " + c.PortName
	default:
		return "hardware id " + c.HardwareID
	}
}

// PortInfo is one enumerated serial endpoint.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// HardwareID renders VID:PID[:SERIAL] in upper case, or "" for non-USB ports.
func (p PortInfo) HardwareID() string {
	if !p.IsUSB || p.VID == "" {
		return ""
	}
	id := strings.ToUpper(p.VID + ":" + p.PID)
	if p.SerialNumber != "" {
		id += ":" + strings.ToUpper(p.SerialNumber)
	}
	return id
}

func (p PortInfo) String() string {
	if id := p.HardwareID(); id != "" {
		if p.Product != "" {
			return fmt.Sprintf("%s [%s] %s", p.Name, id, p.Product)
		}
		return fmt.Sprintf("%s [%s]", p.Name, id)
	}
	return p.Name
}

// PortLister enumerates serial endpoints.
type PortLister interface {
	ListPorts() ([]PortInfo, error)
}

// PortListerFunc adapts a function to PortLister.
type PortListerFunc func() ([]PortInfo, error)

// ListPorts calls f.
func (f PortListerFunc) ListPorts() ([]PortInfo, error) { return f() }

// EnumeratorLister lists ports through the operating system's USB
// enumeration.
type EnumeratorLister struct{}

// ListPorts returns every serial port the OS reports.
func (EnumeratorLister) ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out, nil
}

// Handle identifies the endpoint a session owns.
type Handle struct {
	PortName   string
	BaudRate   int
	HardwareID string
}

func (h Handle) String() string {
	if h.HardwareID != "" {
		return fmt.Sprintf("%s@%d [%s]", h.PortName, h.BaudRate, h.HardwareID)
	}
	return fmt.Sprintf("%s@%d", h.PortName, h.BaudRate)
}

// DiscoveryError reports a failed match together with what was seen.
type DiscoveryError struct {
	Config     DiscoveryConfig
	Candidates []PortInfo
	Seen       []PortInfo
	Err        error
}

func (e *DiscoveryError) Error() string {
	names := func(ps []PortInfo) string {
		if len(ps) == 0 {
			return "none"
		}
		s := make([]string, len(ps))
		for i, p := range ps {
			s[i] = p.String()
		}
		return strings.Join(s, ", ")
	}
	if errors.Is(e.Err, ErrAmbiguousDevice) {
		return fmt.Sprintf("%v for %s: %s", e.Err, e.Config, names(e.Candidates))
	}
	return fmt.Sprintf("%v for %s; ports seen: %s", e.Err, e.Config, names(e.Seen))
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Discover picks exactly one endpoint for cfg. An explicit port name must be
// listed; otherwise an exact VID:PID[:SERIAL] match beats a VID:PID match,
// and more than one match at the winning tier is an error.
func Discover(lister PortLister, cfg DiscoveryConfig) (Handle, error) {
	if cfg.PortName == "" && strings.TrimSpace(cfg.HardwareID) == "" {
		return Handle{}, &DiscoveryError{Config: cfg, Err: fmt.Errorf("%w: no hardware id or port configured", ErrDeviceNotFound)}
	}
	ports, err := lister.ListPorts()
	if err != nil {
		return Handle{}, err
	}

	baud := cfg.BaudRate
	if baud <= 0 {
		baud = serialmux.PumpBaudRate
	}

	match, err := pick(ports, cfg)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{PortName: match.Name, BaudRate: baud, HardwareID: match.HardwareID()}
	logf("discovered %s", h)
	return h, nil
}

func pick(ports []PortInfo, cfg DiscoveryConfig) (PortInfo, error) {
	fail := func(err error, candidates []PortInfo) (PortInfo, error) {
		return PortInfo{}, &DiscoveryError{Config: cfg, Candidates: candidates, Seen: ports, Err: err}
	}

	if cfg.PortName != "" {
		i := slices.IndexFunc(ports, func(p PortInfo) bool { return p.Name == cfg.PortName })
		if i < 0 {
			return fail(ErrDeviceNotFound, nil)
		}
		return ports[i], nil
	}

	want := strings.ToUpper(strings.TrimSpace(cfg.HardwareID))
	var exact, prefix []PortInfo
	for _, p := range ports {
		id := p.HardwareID()
		switch {
		case id == "":
		case id == want:
			exact = append(exact, p)
		case strings.HasPrefix(id, want+":"):
			prefix = append(prefix, p)
		}
	}
	for _, tier := range [][]PortInfo{exact, prefix} {
		switch len(tier) {
		case 0:
			continue
		case 1:
			return tier[0], nil
		default:
			return fail(ErrAmbiguousDevice, tier)
		}
	}
	return fail(ErrDeviceNotFound, nil)
}
