// Package pumpsim emulates a PHD Ultra in quick-start infuse/withdraw mode
// behind a serial port interface. It backs `pumpctl --simulate` and the
// integration tests of the device and experiment packages.
package pumpsim

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/pump.lab/internal/timeutil"
	"github.com/banshee-data/pump.lab/internal/units"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("pumpsim: port closed")

type direction int

const (
	idle direction = iota
	infusing
	withdrawing
)

// Pump is a simulated pump. It implements serialmux.SerialPorter.
type Pump struct {
	clock   timeutil.Clock
	speedup float64

	mu   sync.Mutex
	cond *sync.Cond
	out  bytes.Buffer
	in   []byte

	closed  bool
	silent  bool
	stalled bool
	address string

	diameterMM   float64
	syringeL     float64
	infuseRate   float64 // l/min
	withdrawRate float64 // l/min
	targetL      float64 // 0 means none
	quickStart   bool

	dir          direction
	lastDir      direction
	runStart     time.Time
	runBase      float64 // volume already moved in this direction before runStart
	infusedL     float64
	withdrawnL   float64
	runElapsed   time.Duration
	targetHit    bool
	commands     []string
}

// Options configures a simulated pump.
type Options struct {
	Clock timeutil.Clock
	// Speedup multiplies elapsed time so runs finish faster than real time.
	Speedup float64
	// Address is the two digit pump address shown in prompts, if any.
	Address string
}

// New returns an idle pump with no syringe configured.
func New(opts Options) *Pump {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Speedup <= 0 {
		opts.Speedup = 1
	}
	p := &Pump{clock: opts.Clock, speedup: opts.Speedup, address: opts.Address}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetSilent makes the pump swallow commands without answering.
func (p *Pump) SetSilent(silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = silent
}

// Stall makes the pump report a stall on its next reply.
func (p *Pump) Stall() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.stalled = true
	p.dir = idle
}

// Commands returns every command received, in order.
func (p *Pump) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// Read blocks until reply bytes are available.
func (p *Pump) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.out.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed {
		return 0, ErrClosed
	}
	return p.out.Read(b)
}

// Write accepts command bytes and queues the reply to each complete line.
func (p *Pump) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	p.in = append(p.in, b...)
	for {
		i := bytes.IndexAny(p.in, "\r\n")
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(p.in[:i]))
		p.in = p.in[i+1:]
		if line == "" {
			continue
		}
		p.commands = append(p.commands, line)
		if p.silent {
			continue
		}
		p.out.WriteString(p.reply(line))
		p.cond.Broadcast()
	}
	return len(b), nil
}

// Close unblocks readers; later reads and writes fail.
func (p *Pump) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// ResetInputBuffer discards queued replies.
func (p *Pump) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Reset()
	return nil
}

// advance folds elapsed run time into the volume counters and stops the run
// at the target. Callers hold p.mu.
func (p *Pump) advance() {
	if p.dir == idle {
		return
	}
	elapsed := time.Duration(float64(p.clock.Since(p.runStart)) * p.speedup)
	rate := p.infuseRate
	if p.dir == withdrawing {
		rate = p.withdrawRate
	}
	moved := p.runBase + rate*elapsed.Minutes()
	if p.targetL > 0 && moved >= p.targetL {
		// time at which the target was reached
		if rate > 0 {
			elapsed = time.Duration(math.Round((p.targetL - p.runBase) / rate * float64(time.Minute)))
		}
		moved = p.targetL
		p.targetHit = true
	}
	if p.dir == infusing {
		p.infusedL = moved
	} else {
		p.withdrawnL = moved
	}
	p.runElapsed = elapsed
	if p.targetHit {
		p.dir = idle
	}
}

func (p *Pump) prompt() string {
	switch {
	case p.stalled:
		return p.address + "*"
	case p.targetHit:
		return p.address + "T*"
	case p.dir == infusing:
		return p.address + ">"
	case p.dir == withdrawing:
		return p.address + "<"
	default:
		return p.address + ":"
	}
}

func (p *Pump) reply(line string) string {
	p.advance()
	body, err := p.handle(strings.Fields(strings.ToLower(line)))
	var b strings.Builder
	b.WriteString("\r\n")
	if err != nil {
		b.WriteString(err.Error())
		b.WriteString("\r\n")
	} else if body != "" {
		b.WriteString(body)
		b.WriteString("\r\n")
	}
	b.WriteString(p.prompt())
	return b.String()
}

type replyError string

func (e replyError) Error() string { return string(e) }

func (p *Pump) handle(f []string) (string, error) {
	switch f[0] {
	case "diameter":
		if len(f) == 1 {
			return units.FormatValue(p.diameterMM) + " mm", nil
		}
		v, err := number(f[1])
		if err != nil || v <= 0 {
			return "", replyError("Argument error: " + f[1])
		}
		p.diameterMM = v
	case "svolume":
		v, err := quantity(f[1:], units.Volume)
		if err != nil {
			return "", err
		}
		p.syringeL = v
	case "irate", "wrate":
		v, err := quantity(f[1:], units.Rate)
		if err != nil {
			return "", err
		}
		if f[0] == "irate" {
			p.infuseRate = v
		} else {
			p.withdrawRate = v
		}
	case "tvolume":
		v, err := quantity(f[1:], units.Volume)
		if err != nil {
			return "", err
		}
		if p.syringeL > 0 && v > p.syringeL {
			return "", replyError("Out of range")
		}
		p.targetL = v
	case "ctvolume":
		p.targetL = 0
		p.targetHit = false
	case "cttime":
	case "cvolume":
		p.infusedL, p.withdrawnL = 0, 0
	case "load":
		if len(f) != 3 || f[1] != "qs" || f[2] != "iw" {
			return "", replyError("Argument error: " + strings.Join(f[1:], " "))
		}
		p.quickStart = true
		p.dir = idle
	case "irun", "wrun":
		if !p.quickStart {
			return "", replyError("Command error: quick start not loaded")
		}
		if p.diameterMM <= 0 {
			return "", replyError("Command error: syringe not set")
		}
		d, base := infusing, p.infusedL
		if f[0] == "wrun" {
			d, base = withdrawing, p.withdrawnL
		}
		p.stalled = false
		p.targetHit = false
		p.dir, p.lastDir = d, d
		p.runStart = p.clock.Now()
		p.runBase = base
		p.runElapsed = 0
	case "stop", "stp":
		p.dir = idle
		p.stalled = false
	case "status":
		return p.status(), nil
	case "ver", "version":
		return "PHD ULTRA 2.0.0 (pumpsim)", nil
	default:
		return "", replyError("Command error: " + f[0])
	}
	return "", nil
}

// status renders `rate(fL/s) time(ms) volume(fL) flags`.
func (p *Pump) status() string {
	rate, vol := 0.0, p.infusedL
	if p.lastDir == withdrawing {
		vol = p.withdrawnL
	}
	flags := "."
	switch p.dir {
	case infusing:
		rate, flags = p.infuseRate, "I"
	case withdrawing:
		rate, flags = p.withdrawRate, "W"
	}
	if p.targetHit {
		flags += "T"
	} else {
		flags += "."
	}
	fls := rate * 1e15 / 60
	return fmt.Sprintf("%d %d %d %s",
		int64(math.Round(fls)),
		p.runElapsed.Milliseconds(),
		int64(math.Round(vol*1e15)),
		flags)
}

func number(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

// quantity parses "<value> <unit>" into the canonical unit of kind.
func quantity(f []string, kind units.Kind) (float64, error) {
	if len(f) != 2 {
		return 0, replyError("Argument error: " + strings.Join(f, " "))
	}
	v, err := number(f[0])
	if err != nil {
		return 0, replyError("Argument error: " + f[0])
	}
	q, err := units.Normalize(v, f[1], kind)
	if err != nil {
		return 0, replyError("Argument error: " + f[1])
	}
	return q.Value, nil
}
