package match

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"astrophot/internal/catalog"
)

const arcsecDeg = 1.0 / 3600

var baseTime = time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC)

func testConfig() catalog.RunConfig {
	return catalog.RunConfig{
		TargetRA:       180.0,
		TargetDec:      0.0,
		Metric:         catalog.MetricAngular,
		MatchTolerance: 5.0,
		MagWeight:      1.0,
		Parallelism:    2,
	}
}

// det places a star at the base coordinate plus an offset in arcseconds.
func det(frameID string, raOff, decOff, mag, magErr float64) catalog.Detection {
	return catalog.Detection{
		FrameID: frameID,
		RA:      180.0 + raOff*arcsecDeg,
		Dec:     0.0 + decOff*arcsecDeg,
		Mag:     mag,
		MagErr:  magErr,
		Flag:    catalog.FlagGood,
	}
}

func frame(id string, minute int, dets ...catalog.Detection) catalog.Frame {
	return catalog.Frame{
		ID:         id,
		Timestamp:  baseTime.Add(time.Duration(minute) * time.Minute),
		Detections: dets,
	}
}

// threeStarFrames builds five frames of three well-separated stars with
// sub-arcsecond positional jitter.
func threeStarFrames() []catalog.Frame {
	frames := make([]catalog.Frame, 0, 5)
	for i := 0; i < 5; i++ {
		id := frameID(i)
		jitter := float64(i) * 0.1
		frames = append(frames, frame(id, i,
			det(id, jitter, 0, 10.0, 0.01),
			det(id, 60+jitter, 0, 11.0, 0.01),
			det(id, 120+jitter, 0, 12.0, 0.01),
		))
	}
	return frames
}

func frameID(i int) string {
	return "frame-" + string(rune('1'+i))
}

func TestRunBuildsCatalogAcrossFrames(t *testing.T) {
	res, err := Run(threeStarFrames(), testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Catalog) != 3 {
		t.Fatalf("expected 3 master stars, got %d", len(res.Catalog))
	}
	for _, star := range res.Catalog {
		if len(star.Detections) != 5 {
			t.Fatalf("star %d matched in %d frames, expected 5", star.ID, len(star.Detections))
		}
	}
	target := res.Target()
	if target == nil {
		t.Fatalf("expected a resolved target")
	}
	if got := target.Detections["frame-1"].Mag; got != 10.0 {
		t.Fatalf("target resolved to wrong star, frame-1 mag %v", got)
	}
}

func TestRunOrderIndependence(t *testing.T) {
	frames := threeStarFrames()
	reversed := make([]catalog.Frame, len(frames))
	for i, f := range frames {
		reversed[len(frames)-1-i] = f
	}

	a, err := Run(frames, testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("forward order failed: %v", err)
	}
	b, err := Run(reversed, testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("reversed order failed: %v", err)
	}

	if len(a.Catalog) != len(b.Catalog) {
		t.Fatalf("catalog sizes differ: %d vs %d", len(a.Catalog), len(b.Catalog))
	}
	for i := range a.Catalog {
		sa, sb := a.Catalog[i], b.Catalog[i]
		if sa.RA != sb.RA || sa.Dec != sb.Dec {
			t.Fatalf("star %d reference position differs between feed orders", i)
		}
		if len(sa.Detections) != len(sb.Detections) {
			t.Fatalf("star %d detection counts differ: %d vs %d", i, len(sa.Detections), len(sb.Detections))
		}
	}
	if a.TargetID != b.TargetID {
		t.Fatalf("target differs between feed orders: %d vs %d", a.TargetID, b.TargetID)
	}
}

func TestRunStarDropout(t *testing.T) {
	frames := threeStarFrames()
	// Remove the second star from the middle frame.
	frames[2].Detections = append(frames[2].Detections[:1], frames[2].Detections[2:]...)

	res, err := Run(frames, testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Catalog) != 3 {
		t.Fatalf("dropout created a phantom star: catalog size %d", len(res.Catalog))
	}

	var dropped *catalog.MasterStar
	for _, s := range res.Catalog {
		if len(s.Detections) == 4 {
			dropped = s
		}
	}
	if dropped == nil {
		t.Fatalf("expected one star with 4 detections")
	}
	if _, ok := dropped.Detections["frame-3"]; ok {
		t.Fatalf("dropped star should have no detection in frame-3")
	}
}

func TestRunTargetNotFound(t *testing.T) {
	cfg := testConfig()
	// 50 arcseconds off every catalog star with a 5 arcsecond tolerance.
	cfg.TargetRA = 180.0 + 50*arcsecDeg
	cfg.TargetDec = 50 * arcsecDeg

	_, err := Run(threeStarFrames(), cfg, slog.Default())
	var notFound *catalog.TargetNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TargetNotFoundError, got %v", err)
	}
	if notFound.Nearest <= cfg.MatchTolerance {
		t.Fatalf("reported nearest %v should exceed tolerance %v", notFound.Nearest, cfg.MatchTolerance)
	}
}

func TestRunSkipsEmptyFrames(t *testing.T) {
	frames := threeStarFrames()
	frames = append(frames, frame("frame-empty", 10))

	res, err := Run(frames, testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "frame-empty" {
		t.Fatalf("expected frame-empty to be skipped, got %v", res.Skipped)
	}
	if len(res.Frames) != 5 {
		t.Fatalf("expected 5 usable frames, got %d", len(res.Frames))
	}
}

func TestRunRejectsDuplicateTimestamps(t *testing.T) {
	frames := threeStarFrames()
	frames[1].Timestamp = frames[0].Timestamp

	_, err := Run(frames, testConfig(), slog.Default())
	if err == nil {
		t.Fatalf("expected an error for duplicate timestamps")
	}
}

func TestRunRejectsNonPositiveTolerance(t *testing.T) {
	cfg := testConfig()
	cfg.MatchTolerance = 0
	if _, err := Run(threeStarFrames(), cfg, slog.Default()); err == nil {
		t.Fatalf("expected an error for zero tolerance")
	}
}

func TestDedupeKeepsLowerUncertainty(t *testing.T) {
	cfg := testConfig()
	dets := []catalog.Detection{
		det("f", 0, 0, 10.0, 0.05),
		det("f", 1, 0, 10.1, 0.01), // within tolerance of the first, better error
		det("f", 60, 0, 11.0, 0.02),
	}

	kept, removed := dedupe(dets, cfg)
	if removed != 1 {
		t.Fatalf("expected 1 removed duplicate, got %d", removed)
	}
	if len(kept) != 2 {
		t.Fatalf("expected 2 kept detections, got %d", len(kept))
	}
	if kept[0].MagErr != 0.01 {
		t.Fatalf("expected the lower-uncertainty detection to survive, got err %v", kept[0].MagErr)
	}
	if kept[0].Flag != catalog.FlagDeduplicated {
		t.Fatalf("expected surviving duplicate to carry the dedup flag, got %v", kept[0].Flag)
	}
}

func TestRunClaimConflictResolution(t *testing.T) {
	// Two detections in the second frame both fall within tolerance of the
	// same seeded star but more than a tolerance apart from each other; only
	// the better match may claim the star.
	frames := []catalog.Frame{
		frame("f1", 0, det("f1", 0, 0, 10.0, 0.01)),
		frame("f2", 1,
			det("f2", -3.0, 0, 10.0, 0.01),
			det("f2", 3.0, 0, 13.0, 0.01),
		),
	}
	cfg := testConfig()
	cfg.MinCoverageFrac = 0

	res, err := Run(frames, cfg, slog.Default())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Catalog) != 2 {
		t.Fatalf("expected loser to seed a new star, catalog size %d", len(res.Catalog))
	}
	if len(res.Catalog[0].Detections) != 2 {
		t.Fatalf("expected the seeded star to match the closer detection")
	}
	if got := res.Catalog[0].Detections["f2"].Mag; got != 10.0 {
		t.Fatalf("wrong detection claimed the star: mag %v", got)
	}
}

func TestRunPixelMetric(t *testing.T) {
	cfg := testConfig()
	cfg.Metric = catalog.MetricPixel
	cfg.MatchTolerance = 2.0
	cfg.TargetRA = 100 // interpreted as pixel x
	cfg.TargetDec = 100

	mk := func(frameID string, x, y, mag float64) catalog.Detection {
		return catalog.Detection{FrameID: frameID, X: x, Y: y, Mag: mag, MagErr: 0.01, Flag: catalog.FlagGood}
	}
	frames := []catalog.Frame{
		frame("p1", 0, mk("p1", 100, 100, 10), mk("p1", 300, 300, 12)),
		frame("p2", 1, mk("p2", 100.5, 100.5, 10), mk("p2", 300.5, 300.5, 12)),
	}

	res, err := Run(frames, cfg, slog.Default())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(res.Catalog) != 2 {
		t.Fatalf("expected 2 stars under pixel metric, got %d", len(res.Catalog))
	}
	if res.Target().Detections["p1"].Mag != 10 {
		t.Fatalf("pixel target resolution picked the wrong star")
	}
}
