package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"astrophot/internal/catalog"
	"astrophot/internal/ingest"
	"astrophot/internal/lightcurve"
	"astrophot/internal/storage"
)

// Writers for the delimited text tables downstream plotting and detrending
// tools consume: one row per star for the catalog and ensemble, one row per
// frame for the light curve.

// WriteCatalog writes the master catalog as
// star_id,ra,dec,x,y,frames_present.
func WriteCatalog(path string, cat []*catalog.MasterStar) error {
	var b strings.Builder
	b.WriteString("star_id,ra,dec,x,y,frames_present\n")
	for _, s := range cat {
		fmt.Fprintf(&b, "%d,%.8f,%.8f,%.3f,%.3f,%d\n", s.ID, s.RA, s.Dec, s.X, s.Y, len(s.Detections))
	}
	return writeFile(path, b.String())
}

// WriteEnsemble writes the comparison ensemble as
// star_id,weight,variability.
func WriteEnsemble(path string, ens *catalog.Ensemble) error {
	var b strings.Builder
	b.WriteString("star_id,weight,variability\n")
	for _, m := range ens.Members {
		fmt.Fprintf(&b, "%d,%.8f,%.8f\n", m.StarID, m.Weight, m.Variability)
	}
	return writeFile(path, b.String())
}

// WriteCurve writes the light curve as mjd,diff_mag,mag_err,frame_id,flag.
func WriteCurve(path string, curve *lightcurve.Curve) error {
	var b strings.Builder
	b.WriteString("mjd,diff_mag,mag_err,frame_id,flag\n")
	for _, p := range curve.Points {
		fmt.Fprintf(&b, "%.8f,%.8f,%.8f,%s,%s\n",
			ingest.TimeToMJD(p.Timestamp), p.DiffMag, p.MagErr, p.FrameID, p.Flag)
	}
	return writeFile(path, b.String())
}

// WriteStoredRun re-exports a persisted run from the store into the same
// tables a live run writes.
func WriteStoredRun(dir string, store *storage.Store, runID string) error {
	stars, err := store.CatalogForRun(runID)
	if err != nil {
		return fmt.Errorf("read stored catalog: %w", err)
	}
	if len(stars) == 0 {
		return fmt.Errorf("no stored results for run %s", runID)
	}
	var b strings.Builder
	b.WriteString("star_id,ra,dec,x,y,frames_present\n")
	for _, s := range stars {
		fmt.Fprintf(&b, "%d,%.8f,%.8f,%.3f,%.3f,%d\n", s.StarID, s.RA, s.Dec, s.X, s.Y, s.FramesPresent)
	}
	if err := writeFile(filepath.Join(dir, "catalog.csv"), b.String()); err != nil {
		return err
	}

	members, err := store.EnsembleForRun(runID)
	if err != nil {
		return fmt.Errorf("read stored ensemble: %w", err)
	}
	b.Reset()
	b.WriteString("star_id,weight,variability\n")
	for _, m := range members {
		fmt.Fprintf(&b, "%d,%.8f,%.8f\n", m.StarID, m.Weight, m.Variability)
	}
	if err := writeFile(filepath.Join(dir, "ensemble.csv"), b.String()); err != nil {
		return err
	}

	points, err := store.CurveForRun(runID)
	if err != nil {
		return fmt.Errorf("read stored curve: %w", err)
	}
	b.Reset()
	b.WriteString("mjd,diff_mag,mag_err,frame_id,flag\n")
	for _, p := range points {
		fmt.Fprintf(&b, "%.8f,%.8f,%.8f,%s,%s\n", p.MJD, p.DiffMag, p.MagErr, p.FrameID, p.Flag)
	}
	return writeFile(filepath.Join(dir, "lightcurve.csv"), b.String())
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
