package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"astrophot/internal/catalog"
	"astrophot/internal/ingest"
	"astrophot/internal/lightcurve"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestWriteCatalog(t *testing.T) {
	star := &catalog.MasterStar{ID: 0, RA: 180, Dec: 0, X: 512, Y: 512}
	star.AddDetection(catalog.Detection{FrameID: "f1", RA: 180, Dec: 0, Mag: 10})

	path := filepath.Join(t.TempDir(), "out", "catalog.csv")
	if err := WriteCatalog(path, []*catalog.MasterStar{star}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	lines := readLines(t, path)
	if lines[0] != "star_id,ra,dec,x,y,frames_present" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if len(lines) != 2 {
		t.Fatalf("expected 1 data row, got %d", len(lines)-1)
	}
	if !strings.HasPrefix(lines[1], "0,") || !strings.HasSuffix(lines[1], ",1") {
		t.Fatalf("unexpected row %q", lines[1])
	}
}

func TestWriteEnsemble(t *testing.T) {
	ens := &catalog.Ensemble{Members: []catalog.EnsembleMember{
		{StarID: 1, Weight: 0.6, Variability: 0.01},
		{StarID: 2, Weight: 0.4, Variability: 0.02},
	}}

	path := filepath.Join(t.TempDir(), "ensemble.csv")
	if err := WriteEnsemble(path, ens); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	lines := readLines(t, path)
	if lines[0] != "star_id,weight,variability" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("expected 2 data rows, got %d", len(lines)-1)
	}
}

func TestWriteCurve(t *testing.T) {
	ts := ingest.MJDToTime(60155.25)
	curve := &lightcurve.Curve{Points: []catalog.LightCurvePoint{
		{FrameID: "f1", Timestamp: ts, DiffMag: 0.1, MagErr: 0.01, Flag: catalog.FlagGood},
		{FrameID: "f2", Timestamp: ts.Add(time.Minute), DiffMag: -0.1, MagErr: 0.01, Flag: catalog.FlagPartialEnsemble},
	}}

	path := filepath.Join(t.TempDir(), "lightcurve.csv")
	if err := WriteCurve(path, curve); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	lines := readLines(t, path)
	if lines[0] != "mjd,diff_mag,mag_err,frame_id,flag" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "60155.25") {
		t.Fatalf("expected MJD timestamp, got %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], ",partial_ensemble") {
		t.Fatalf("expected quality flag in row, got %q", lines[2])
	}
}
