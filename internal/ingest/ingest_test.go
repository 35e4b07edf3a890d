package ingest

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const goodRow = "180.00000000,0.00000000,512.00,512.00,10000.00,100.00\n"

func writeTable(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}
	return path
}

func TestLoadFileConvertsCountsToMagnitudes(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, "OBJ_V_60_20230801_1d2_60155d25_INST.csv", goodRow)

	frame, err := LoadFile(path, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(frame.Detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(frame.Detections))
	}
	det := frame.Detections[0]
	wantMag := -2.5 * math.Log10(10000)
	if math.Abs(det.Mag-wantMag) > 1e-9 {
		t.Fatalf("expected mag %v, got %v", wantMag, det.Mag)
	}
	wantErr := 1.0857 * 100 / 10000
	if math.Abs(det.MagErr-wantErr) > 1e-9 {
		t.Fatalf("expected mag error %v, got %v", wantErr, det.MagErr)
	}
	if det.FrameID != "OBJ_V_60_20230801_1d2_60155d25_INST" {
		t.Fatalf("unexpected frame ID %q", det.FrameID)
	}
}

func TestLoadFileParsesMJDFromName(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, "OBJ_V_60_20230801_1d2_60155d25_INST.csv", goodRow)

	frame, err := LoadFile(path, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := MJDToTime(60155.25)
	if !frame.Timestamp.Equal(want) {
		t.Fatalf("expected timestamp %v, got %v", want, frame.Timestamp)
	}
}

func TestLoadFileFallsBackToModTime(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, "plain.csv", goodRow)

	frame, err := LoadFile(path, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	info, _ := os.Stat(path)
	if !frame.Timestamp.Equal(info.ModTime().UTC()) {
		t.Fatalf("expected mod time fallback, got %v", frame.Timestamp)
	}
}

func TestLoadFileRejectsBrokenCoordinates(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		row  string
	}{
		{"ra_high", "400.0,0.0,1,1,1000,10\n"},
		{"ra_negative", "-1.0,0.0,1,1,1000,10\n"},
		{"dec_high", "180.0,95.0,1,1,1000,10\n"},
		{"dec_low", "180.0,-95.0,1,1,1000,10\n"},
	}
	for _, tc := range cases {
		path := writeTable(t, dir, tc.name+".csv", tc.row)
		if _, err := LoadFile(path, Options{}); err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
}

func TestLoadFileDropsNonPositiveCounts(t *testing.T) {
	dir := t.TempDir()
	content := goodRow + "180.001,0.0,1,1,-50,10\n" + "180.002,0.0,1,1,0,10\n"
	path := writeTable(t, dir, "counts.csv", content)

	frame, err := LoadFile(path, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(frame.Detections) != 1 {
		t.Fatalf("expected non-positive counts to be dropped, got %d detections", len(frame.Detections))
	}
}

func TestLoadFileEnforcesMinDetections(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, "sparse.csv", goodRow)

	if _, err := LoadFile(path, Options{MinDetections: 2}); err == nil {
		t.Fatalf("expected rejection below the detection floor")
	}
}

func TestLoadDirectorySortsAndScreens(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "OBJ_V_60_20230801_1d2_60002d0_INST.csv", goodRow)
	writeTable(t, dir, "OBJ_V_60_20230801_1d2_60001d0_INST.csv", goodRow)
	writeTable(t, dir, "broken.csv", "400.0,0.0,1,1,1000,10\n")
	writeTable(t, dir, "notes.txt", "not a table")

	frames, err := LoadDirectory(dir, Options{}, slog.Default())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 usable frames, got %d", len(frames))
	}
	if !frames[0].Timestamp.Before(frames[1].Timestamp) {
		t.Fatalf("frames not sorted by timestamp")
	}
}

func TestLoadDirectoryAllRejected(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "broken.csv", "400.0,0.0,1,1,1000,10\n")

	if _, err := LoadDirectory(dir, Options{}, slog.Default()); err == nil {
		t.Fatalf("expected an error when no table is usable")
	}
}

func TestMJDRoundTrip(t *testing.T) {
	if got := MJDToTime(0); !got.Equal(time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("MJD zero point wrong: %v", got)
	}
	mjd := 60155.25
	if back := TimeToMJD(MJDToTime(mjd)); math.Abs(back-mjd) > 1e-9 {
		t.Fatalf("round trip drifted: %v -> %v", mjd, back)
	}
}
