// Package api serves run progress and recorded samples as JSON.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/pump.lab/internal/db"
	"github.com/banshee-data/pump.lab/internal/experiment"
	"github.com/banshee-data/pump.lab/internal/httputil"
	"github.com/banshee-data/pump.lab/internal/monitoring"
	"github.com/banshee-data/pump.lab/internal/units"
)

var logf = monitoring.Scoped("api")

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Progress is the live state of the experiment being run.
type Progress interface {
	Snapshot() *experiment.Report
}

// RunStore reads recorded runs.
type RunStore interface {
	RecentRuns(ctx context.Context, limit int) ([]db.RunSummary, error)
	TrialSamples(ctx context.Context, runID string, trial int) ([]db.SampleRow, error)
}

type Server struct {
	progress Progress
	store    RunStore
	// volumeUnit is the default unit for sample volumes; rates use the same
	// unit per minute.
	volumeUnit units.Unit
}

// NewServer returns a server reporting volumes in volumeUnit, which must be
// a volume unit such as "ml".
func NewServer(p Progress, store RunStore, volumeUnit string) (*Server, error) {
	u, err := units.ParseUnit(volumeUnit, units.Volume)
	if err != nil {
		return nil, err
	}
	return &Server{progress: p, store: store, volumeUnit: u}, nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns a mux with the /api/ routes mounted. Debug routes can be
// attached to the same mux.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.showState)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}/trials/{trial}/samples", s.listSamples)
	return mux
}

type transitionJSON struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Trial int       `json:"trial,omitempty"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

type stateJSON struct {
	State       string           `json:"state"`
	Trial       int              `json:"trial,omitempty"`
	RunID       string           `json:"run_id,omitempty"`
	Device      string           `json:"device,omitempty"`
	Transitions []transitionJSON `json:"transitions"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	rep := s.progress.Snapshot()
	out := stateJSON{State: rep.State.String(), Transitions: []transitionJSON{}}
	if rep.Run != nil {
		out.RunID = rep.Run.ID
		out.Device = rep.Run.Device.String()
	}
	for _, t := range rep.Transitions {
		tj := transitionJSON{From: t.From.String(), To: t.To.String(), Trial: t.Trial, At: t.At.UTC()}
		if t.Err != nil {
			tj.Error = t.Err.Error()
		}
		out.Transitions = append(out.Transitions, tj)
	}
	if n := len(rep.Transitions); n > 0 {
		out.Trial = rep.Transitions[n-1].Trial
	}
	httputil.WriteJSONOK(w, out)
}

type runJSON struct {
	ID              string    `json:"id"`
	ExperimentLabel string    `json:"experiment_label"`
	MaterialLabel   string    `json:"material_label"`
	Started         time.Time `json:"started"`
	Trials          int       `json:"trials"`
	Completed       int       `json:"completed"`
	State           string    `json:"state,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}

	runs, err := s.store.RecentRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	out := make([]runJSON, len(runs))
	for i, run := range runs {
		out[i] = runJSON{
			ID:              run.ID,
			ExperimentLabel: run.ExperimentLabel,
			MaterialLabel:   run.MaterialLabel,
			Started:         run.Started.UTC(),
			Trials:          run.Trials,
			Completed:       run.Completed,
			State:           run.FinalState,
			Error:           run.Err,
		}
	}
	httputil.WriteJSONOK(w, out)
}

type sampleJSON struct {
	Seq    int     `json:"seq"`
	Phase  string  `json:"phase"`
	TimeS  float64 `json:"time_s"`
	Volume float64 `json:"volume"`
	Rate   float64 `json:"rate"`
	State  string  `json:"state"`
}

type samplesJSON struct {
	RunID      string       `json:"run_id"`
	Trial      int          `json:"trial"`
	VolumeUnit units.Unit   `json:"volume_unit"`
	RateUnit   units.Unit   `json:"rate_unit"`
	Samples    []sampleJSON `json:"samples"`
}

func (s *Server) listSamples(w http.ResponseWriter, r *http.Request) {
	trial, err := strconv.Atoi(r.PathValue("trial"))
	if err != nil || trial < 1 {
		httputil.BadRequest(w, "Invalid trial number")
		return
	}
	volumeUnit := s.volumeUnit
	if u := r.URL.Query().Get("units"); u != "" {
		if volumeUnit, err = units.ParseUnit(u, units.Volume); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	rateUnit := units.Unit(string(volumeUnit) + "/min")

	runID := r.PathValue("id")
	rows, err := s.store.TrialSamples(r.Context(), runID, trial)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve samples: %v", err))
		return
	}
	if len(rows) == 0 {
		httputil.NotFound(w, fmt.Sprintf("no samples for run %s trial %d", runID, trial))
		return
	}

	out := samplesJSON{RunID: runID, Trial: trial, VolumeUnit: volumeUnit, RateUnit: rateUnit, Samples: make([]sampleJSON, len(rows))}
	for i, row := range rows {
		volume, err := convert(row.VolumeML, units.ML, units.Volume, volumeUnit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		rate, err := convert(row.RateMLPerMin, units.MLPerMin, units.Rate, rateUnit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		state := row.Direction
		if row.TargetReached {
			state = "target"
		}
		out.Samples[i] = sampleJSON{
			Seq:    row.Seq,
			Phase:  row.Phase,
			TimeS:  row.Elapsed.Seconds(),
			Volume: volume,
			Rate:   rate,
			State:  state,
		}
	}
	httputil.WriteJSONOK(w, out)
}

// convert re-expresses a stored value in another unit of the same kind.
func convert(v float64, from units.Unit, kind units.Kind, to units.Unit) (float64, error) {
	q, err := units.Normalize(v, string(from), kind)
	if err != nil {
		return 0, err
	}
	return q.In(to)
}
