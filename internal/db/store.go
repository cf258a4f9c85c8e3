package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/pump.lab/internal/experiment"
	"github.com/banshee-data/pump.lab/internal/units"
)

var _ experiment.Persister = (*DB)(nil)

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}

func litres(q units.Quantity) float64 {
	v, _ := q.In(units.L)
	return v
}

func litresPerMinute(q units.Quantity) float64 {
	v, _ := q.In(units.LPerMin)
	return v
}

// BeginRun records the run's plan and device.
func (db *DB) BeginRun(ctx context.Context, run *experiment.Run) error {
	p := run.Plan
	_, err := db.ExecContext(ctx, `
		INSERT INTO experiment_runs (
			run_id, experiment_label, material_label,
			syringe_diameter_mm, syringe_capacity_l,
			infuse_volume_l, infuse_rate_l_min, withdraw_volume_l, withdraw_rate_l_min,
			trials, camera_boot_delay_s, infusion_pause_s, capability,
			port_name, baud_rate, hardware_id, started_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, p.ExperimentLabel, p.MaterialLabel,
		p.Syringe.DiameterMM, litres(p.Syringe.Capacity),
		litres(p.InfuseVolume), litresPerMinute(p.InfuseRate),
		litres(p.WithdrawVolume), litresPerMinute(p.WithdrawRate),
		p.Trials, p.CameraBootDelay.Seconds(), p.InfusionPause.Seconds(), p.Capability,
		run.Device.PortName, run.Device.BaudRate, run.Device.HardwareID, unixSeconds(run.Started),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// SaveTrial stores a trial with its samples and phase summaries in one
// transaction.
func (db *DB) SaveTrial(ctx context.Context, run *experiment.Run, res *experiment.TrialResult) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trials (run_id, trial, started_unix, ended_unix, outcome, error, recorder_error, video_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, res.Trial, unixSeconds(res.Started), unixSeconds(res.Ended),
		string(res.Outcome), res.Err, res.RecorderErr, res.Video,
	); err != nil {
		return fmt.Errorf("insert trial %d: %w", res.Trial, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pump_samples (
			run_id, trial, seq, phase, sample_unix, elapsed_ms,
			volume_l, rate_l_min, direction, target_reached, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, s := range res.Samples {
		if _, err := stmt.ExecContext(ctx,
			run.ID, res.Trial, i, string(s.Phase), unixSeconds(s.At), s.Status.Elapsed.Milliseconds(),
			litres(s.Status.Volume), litresPerMinute(s.Status.Rate),
			s.Status.Direction.String(), s.Status.TargetReached, s.Status.Raw,
		); err != nil {
			return fmt.Errorf("insert sample %d of trial %d: %w", i, res.Trial, err)
		}
	}

	for _, ph := range res.Phases {
		var rate sql.NullFloat64
		if ph.RateOK {
			rate = sql.NullFloat64{Float64: litresPerMinute(ph.Rate), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trial_phases (run_id, trial, phase, samples, volume_l, elapsed_ms, fitted_rate_l_min)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, res.Trial, string(ph.Phase), ph.Samples, litres(ph.Volume), ph.Elapsed.Milliseconds(), rate,
		); err != nil {
			return fmt.Errorf("insert %s summary of trial %d: %w", ph.Phase, res.Trial, err)
		}
	}
	return tx.Commit()
}

// EndRun records how the run finished.
func (db *DB) EndRun(ctx context.Context, run *experiment.Run, rep *experiment.Report) error {
	var errText sql.NullString
	if rep.Err != nil {
		errText = sql.NullString{String: rep.Err.Error(), Valid: true}
	}
	ended := time.Now()
	if n := len(rep.Transitions); n > 0 {
		ended = rep.Transitions[n-1].At
	}
	res, err := db.ExecContext(ctx,
		`UPDATE experiment_runs SET ended_unix = ?, final_state = ?, error = ? WHERE run_id = ?`,
		unixSeconds(ended), rep.State.String(), errText, run.ID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("finish run %s: %w", run.ID, sql.ErrNoRows)
	}
	return nil
}

// RunSummary is one row of RecentRuns.
type RunSummary struct {
	ID              string
	ExperimentLabel string
	MaterialLabel   string
	Started         time.Time
	Trials          int
	Completed       int
	FinalState      string
	Err             string
}

// RecentRuns lists the newest runs first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.run_id, r.experiment_label, r.material_label, r.started_unix, r.trials,
			(SELECT COUNT(*) FROM trials t WHERE t.run_id = r.run_id AND t.outcome = ?),
			COALESCE(r.final_state, ''), COALESCE(r.error, '')
		FROM experiment_runs r
		ORDER BY r.started_unix DESC
		LIMIT ?`, string(experiment.OutcomeCompleted), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			started float64
		)
		if err := rows.Scan(&r.ID, &r.ExperimentLabel, &r.MaterialLabel, &started, &r.Trials,
			&r.Completed, &r.FinalState, &r.Err); err != nil {
			return nil, err
		}
		r.Started = fromUnix(started)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SampleRow is a stored pump sample.
type SampleRow struct {
	Seq           int
	Phase         string
	At            time.Time
	Elapsed       time.Duration
	VolumeML      float64
	RateMLPerMin  float64
	Direction     string
	TargetReached bool
}

// TrialSamples returns a trial's samples in the order they were taken.
func (db *DB) TrialSamples(ctx context.Context, runID string, trial int) ([]SampleRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, phase, sample_unix, elapsed_ms, volume_l, rate_l_min, direction, target_reached
		FROM pump_samples WHERE run_id = ? AND trial = ? ORDER BY seq`, runID, trial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SampleRow
	for rows.Next() {
		var (
			s         SampleRow
			at        float64
			elapsedMs int64
		)
		if err := rows.Scan(&s.Seq, &s.Phase, &at, &elapsedMs, &s.VolumeML, &s.RateMLPerMin,
			&s.Direction, &s.TargetReached); err != nil {
			return nil, err
		}
		s.At = fromUnix(at)
		s.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		s.VolumeML *= 1e3
		s.RateMLPerMin *= 1e3
		out = append(out, s)
	}
	return out, rows.Err()
}
