// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to lines read from the port and send commands
// to the single device behind it.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pump.lab/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrClosed      = errors.New("serial mux closed")
)

// SubscriberBuffer is the number of lines a subscriber may fall behind before
// further lines are dropped for it.
const SubscriberBuffer = 64

// historySize bounds the traffic kept for the debug routes.
const historySize = 256

var logf = monitoring.Scoped("serialmux")

// Traffic is one line seen on the port, in either direction.
type Traffic struct {
	At   time.Time
	Sent bool
	Line string
}

func (t Traffic) String() string {
	dir := "<-"
	if t.Sent {
		dir = "->"
	}
	return fmt.Sprintf("%s %s %q", t.At.Format("15:04:05.000"), dir, t.Line)
}

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port        T
	split       bufio.SplitFunc
	terminator  string
	subscribers map[string]chan string
	// subscriberMu also guards closing, portClosed, err, dropped and history.
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	portClosed   bool
	err          error
	dropped      int
	history      []Traffic
	next         int
}

// NewSerialMux creates a SerialMux around port. split tokenises the inbound
// byte stream; nil splits on CR and LF.
func NewSerialMux[T SerialPorter](port T, split bufio.SplitFunc) *SerialMux[T] {
	if split == nil {
		split = ScanCRLF
	}
	return &SerialMux[T]{
		port:        port,
		split:       split,
		terminator:  "\r\n",
		subscribers: make(map[string]chan string),
		history:     make([]Traffic, 0, historySize),
	}
}

// Subscribe creates a buffered channel receiving every line read from the
// port. The channel is closed by Unsubscribe, Close, or when Monitor exits.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, SubscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes command to the port, appending the CRLF terminator when
// it is missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	s.subscriberMu.Lock()
	closing := s.closing
	s.subscriberMu.Unlock()
	if closing {
		return ErrClosed
	}

	line := command
	if !strings.HasSuffix(line, "\n") {
		line += s.terminator
	}
	n, err := s.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	s.record(Traffic{At: time.Now(), Sent: true, Line: strings.TrimRight(line, "\r\n")})
	return nil
}

// ResetInput asks the driver to discard unread input, when the port
// supports it.
func (s *SerialMux[T]) ResetInput() error {
	if r, ok := any(s.port).(InputResetter); ok {
		return r.ResetInputBuffer()
	}
	return nil
}

func (s *SerialMux[T]) record(t Traffic) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if len(s.history) < historySize {
		s.history = append(s.history, t)
		return
	}
	s.history[s.next] = t
	s.next = (s.next + 1) % historySize
}

// History returns the most recent traffic, oldest first.
func (s *SerialMux[T]) History() []Traffic {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	out := make([]Traffic, 0, len(s.history))
	out = append(out, s.history[s.next:]...)
	out = append(out, s.history[:s.next]...)
	return out
}

// Dropped reports how many lines were discarded for slow subscribers.
func (s *SerialMux[T]) Dropped() int {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.dropped
}

// Err returns the error that stopped Monitor, if any.
func (s *SerialMux[T]) Err() error {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.err
}

// Monitor reads lines from the serial port and fans them out to subscribers
// until ctx is done or the port fails. On return every subscriber channel
// is closed and Err reports why.
func (s *SerialMux[T]) Monitor(ctx context.Context) (err error) {
	defer func() { s.shutdown(err) }()

	scan := bufio.NewScanner(s.port)
	scan.Split(s.split)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// start a goroutine to read from the serial port & send any lines that are scanned to linesChan.
	// and any errors to the scanErrChan
	//
	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return fmt.Errorf("serial read: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("serial read: %w", err)
				default:
				}
				return fmt.Errorf("serial read: %w", ErrClosed)
			}
			s.record(Traffic{At: time.Now(), Line: line})

			s.subscriberMu.Lock()
			if s.closing {
				s.subscriberMu.Unlock()
				return nil
			}
			for id, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// if the channel is full skip so as not to block the outer loop
					s.dropped++
					logf("subscriber %s full, dropped %q", id, line)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) shutdown(cause error) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.err == nil {
		s.err = cause
	}
	if s.err == nil {
		s.err = ErrClosed
	}
	s.closing = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Close closes every subscriber channel and the port. Calling Close more
// than once is safe.
func (s *SerialMux[T]) Close() error {
	s.shutdown(ErrClosed)

	s.subscriberMu.Lock()
	already := s.portClosed
	s.portClosed = true
	s.subscriberMu.Unlock()
	if already {
		return nil
	}
	return s.port.Close()
}

// AttachAdminRoutes exposes the port traffic under /debug/. Routes are read
// only; commands reach the pump through the protocol engine alone.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Serial lines dropped", func() any { return s.Dropped() })

	debug.HandleFunc("serial", "recent serial traffic", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		var buf bytes.Buffer
		for _, t := range s.History() {
			buf.WriteString(t.String())
			buf.WriteByte('\n')
		}
		if err := s.Err(); err != nil {
			fmt.Fprintf(&buf, "monitor stopped: %v\n", err)
		}
		w.Write(buf.Bytes())
	})

	// Server-Sent Events stream of lines read from the port.
	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
