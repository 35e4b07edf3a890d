package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"astrophot/internal/catalog"
	"astrophot/internal/ingest"
	"astrophot/internal/lightcurve"
)

// Store wraps SQLite-backed persistence for runs and their results.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            run_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS master_stars (
            run_id TEXT NOT NULL,
            star_id INTEGER NOT NULL,
            ra REAL,
            dec REAL,
            x REAL,
            y REAL,
            frames_present INTEGER,
            is_target BOOLEAN DEFAULT FALSE,
            PRIMARY KEY (run_id, star_id)
        );`,
		`CREATE TABLE IF NOT EXISTS ensemble_members (
            run_id TEXT NOT NULL,
            star_id INTEGER NOT NULL,
            weight REAL NOT NULL,
            variability REAL,
            PRIMARY KEY (run_id, star_id)
        );`,
		`CREATE TABLE IF NOT EXISTS lightcurve_points (
            run_id TEXT NOT NULL,
            frame_id TEXT NOT NULL,
            mjd REAL NOT NULL,
            diff_mag REAL NOT NULL,
            mag_err REAL NOT NULL,
            flag TEXT,
            PRIMARY KEY (run_id, frame_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_lightcurve_points_mjd ON lightcurve_points(mjd);`,
		`CREATE INDEX IF NOT EXISTS idx_master_stars_run ON master_stars(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string
	RunType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StarRecord captures one persisted catalog star.
type StarRecord struct {
	StarID        int
	RA, Dec       float64
	X, Y          float64
	FramesPresent int
	IsTarget      bool
}

// MemberRecord captures one persisted ensemble member.
type MemberRecord struct {
	StarID      int
	Weight      float64
	Variability float64
}

// PointRecord captures one persisted light curve point.
type PointRecord struct {
	FrameID string
	MJD     float64
	DiffMag float64
	MagErr  float64
	Flag    string
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, run_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.RunType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordCatalog persists the master star catalog for a run.
func (s *Store) RecordCatalog(runID string, cat []*catalog.MasterStar, targetID int) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, star := range cat {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO master_stars (run_id, star_id, ra, dec, x, y, frames_present, is_target) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			runID, star.ID, star.RA, star.Dec, star.X, star.Y, len(star.Detections), star.ID == targetID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordEnsemble persists the comparison ensemble for a run.
func (s *Store) RecordEnsemble(runID string, ens *catalog.Ensemble) error {
	if s == nil || ens == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, m := range ens.Members {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO ensemble_members (run_id, star_id, weight, variability) VALUES (?, ?, ?, ?);`,
			runID, m.StarID, m.Weight, m.Variability); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordCurve persists the light curve points for a run.
func (s *Store) RecordCurve(runID string, curve *lightcurve.Curve) error {
	if s == nil || curve == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range curve.Points {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO lightcurve_points (run_id, frame_id, mjd, diff_mag, mag_err, flag) VALUES (?, ?, ?, ?, ?, ?);`,
			runID, p.FrameID, ingest.TimeToMJD(p.Timestamp), p.DiffMag, p.MagErr, string(p.Flag)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, run_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// CatalogForRun returns the persisted master stars for a run.
func (s *Store) CatalogForRun(runID string) ([]StarRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT star_id, ra, dec, x, y, frames_present, is_target FROM master_stars WHERE run_id=? ORDER BY star_id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []StarRecord
	for rows.Next() {
		var rec StarRecord
		if err := rows.Scan(&rec.StarID, &rec.RA, &rec.Dec, &rec.X, &rec.Y, &rec.FramesPresent, &rec.IsTarget); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// EnsembleForRun returns the persisted ensemble members for a run.
func (s *Store) EnsembleForRun(runID string) ([]MemberRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT star_id, weight, variability FROM ensemble_members WHERE run_id=? ORDER BY star_id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []MemberRecord
	for rows.Next() {
		var rec MemberRecord
		var variability sql.NullFloat64
		if err := rows.Scan(&rec.StarID, &rec.Weight, &variability); err != nil {
			return nil, err
		}
		if variability.Valid {
			rec.Variability = variability.Float64
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CurveForRun returns the persisted light curve points for a run in time order.
func (s *Store) CurveForRun(runID string) ([]PointRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame_id, mjd, diff_mag, mag_err, flag FROM lightcurve_points WHERE run_id=? ORDER BY mjd;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PointRecord
	for rows.Next() {
		var rec PointRecord
		var flag sql.NullString
		if err := rows.Scan(&rec.FrameID, &rec.MJD, &rec.DiffMag, &rec.MagErr, &flag); err != nil {
			return nil, err
		}
		if flag.Valid {
			rec.Flag = flag.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
