package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pump.lab/internal/api"
	"github.com/banshee-data/pump.lab/internal/artifacts"
	"github.com/banshee-data/pump.lab/internal/config"
	"github.com/banshee-data/pump.lab/internal/db"
	"github.com/banshee-data/pump.lab/internal/device"
	"github.com/banshee-data/pump.lab/internal/experiment"
	"github.com/banshee-data/pump.lab/internal/fsutil"
	"github.com/banshee-data/pump.lab/internal/recorder"
	"github.com/banshee-data/pump.lab/internal/units"
)

var listenAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured experiment",
	Long: `Run validates the experiment, opens the pump and runs every trial:
start the recorder, wait for the camera, infuse, pause, withdraw, stop.

Samples are written to the run database and, when storage.csv is set, to
storage.data_dir as MM-DD/<experiment>_<material>_<HH-MM-SS>/Trial_<n>/.
With --listen, live state is served as JSON under /api/ and for people
under /debug/.`,
	Args: cobra.NoArgs,
	RunE: runExperiment,
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "address for the HTTP server, e.g. localhost:8080")
	addDeviceFlags(runCmd.Flags())
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Storage.Database = dbPath
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.NewDB(cfg.Storage.Database)
	if err != nil {
		return fmt.Errorf("open run database: %w", err)
	}
	defer store.Close()

	writer := artifacts.New(cfg.Storage.DataDir, fsutil.OSFileSystem{})
	writer.CSV = cfg.Storage.CSV

	opener, disc := pumpOpener(cfg)
	o := &experiment.Orchestrator{
		Experiment: cfg.Experiment,
		Discovery:  disc,
		Polling:    cfg.Polling,
		Recorder:   newRecorder(cfg.Recorder),
		Persisters: []experiment.Persister{store, writer},
		VideoPath:  writer.VideoPath,
	}

	var (
		mux *http.ServeMux
		wg  sync.WaitGroup
	)
	if listenAddr != "" {
		srv, err := api.NewServer(o, store, "ml")
		if err != nil {
			return err
		}
		mux = srv.ServeMux()
		o.AttachAdminRoutes(mux)
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
		srvCtx, cancel := context.WithCancel(ctx)
		defer func() {
			cancel()
			wg.Wait()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(srvCtx, listenAddr, api.LoggingMiddleware(mux))
		}()
	}
	o.Open = openWithRoutes(opener, mux)

	rep, runErr := o.Run(ctx)
	if rep != nil {
		printReport(cmd.OutOrStdout(), rep)
	}
	if runErr != nil {
		return fmt.Errorf("experiment %s: %w", stateOf(rep), runErr)
	}
	return nil
}

// openWithRoutes mounts the session's debug routes once the pump is open.
func openWithRoutes(opener device.Opener, mux *http.ServeMux) experiment.OpenFunc {
	return func(ctx context.Context, cfg device.DiscoveryConfig) (experiment.Device, error) {
		s, err := opener.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if mux != nil {
			s.AttachAdminRoutes(mux)
		}
		return s, nil
	}
}

func newRecorder(c config.RecorderConfig) recorder.Recorder {
	if len(c.Command) == 0 {
		return recorder.Nop{}
	}
	return recorder.Exec{Command: c.Command, StopGrace: c.StopGrace.Duration}
}

// serveHTTP runs an HTTP server on addr until ctx is done.
func serveHTTP(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logf("http server on %s: %v", addr, err)
		}
	}()
	logf("http server listening on %s", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("http server shutdown: %v", err)
		if err := server.Close(); err != nil {
			logf("http server close: %v", err)
		}
	}
}

func stateOf(rep *experiment.Report) string {
	if rep == nil {
		return "failed"
	}
	return rep.State.String()
}

func printReport(w io.Writer, rep *experiment.Report) {
	if rep.Run != nil {
		fmt.Fprintf(w, "run %s on %s\n", rep.Run.ID, rep.Run.Device)
	}
	for _, t := range rep.Trials {
		fmt.Fprintf(w, "trial %d: %s", t.Trial, t.Outcome)
		for _, p := range t.Phases {
			fmt.Fprintf(w, "  %s %s", p.Phase, formatIn(p.Volume, units.ML))
			if p.RateOK {
				fmt.Fprintf(w, " @ %s", formatIn(p.Rate, units.MLPerMin))
			}
		}
		if t.Err != "" {
			fmt.Fprintf(w, "  (%s)", t.Err)
		}
		if t.RecorderErr != "" {
			fmt.Fprintf(w, "  [recorder: %s]", t.RecorderErr)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%s: %d of %d trials completed\n", rep.State, rep.Completed(), len(rep.Trials))
}

// formatIn renders q in u, or as-is when it cannot be converted.
func formatIn(q units.Quantity, u units.Unit) string {
	v, err := q.In(u)
	if err != nil {
		return q.String()
	}
	return units.FormatValue(v) + " " + string(u)
}
