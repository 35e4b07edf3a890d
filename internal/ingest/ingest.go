package ingest

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"astrophot/internal/catalog"
)

// Photometry tables are one file per exposure with comma-separated rows of
//
//	ra, dec, x, y, counts, countserr
//
// where ra/dec are decimal degrees and counts are background-subtracted flux
// sums. File names follow the exporter convention
// OBJECT_FILTER_EXPTIME_DATE_AIRMASS_MJD_INSTRUMENT.csv with '.' encoded as
// 'd' inside the MJD field.

const (
	mjdField      = 5
	columnsPerRow = 6
)

// mjdEpoch is 1858-11-17T00:00:00Z, the zero point of the modified Julian date.
var mjdEpoch = time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)

// Options controls frame-level screening during ingestion.
type Options struct {
	MinDetections int // frames with fewer rows are rejected
}

// LoadDirectory reads every .csv photometry table under dir into frames,
// screening out tables with broken coordinates or too few detections the way
// bad-WCS exposures are screened upstream. Frames come back sorted by
// timestamp.
func LoadDirectory(dir string, opts Options, log *slog.Logger) ([]catalog.Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read photometry directory: %w", err)
	}

	var frames []catalog.Frame
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		frame, err := LoadFile(path, opts)
		if err != nil {
			log.Warn("photometry table rejected", "file", entry.Name(), "error", err)
			continue
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no usable photometry tables in %s", dir)
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].Timestamp.Before(frames[j].Timestamp) })
	log.Info("photometry tables loaded", "dir", dir, "frames", len(frames))
	return frames, nil
}

// LoadFile parses a single photometry table into a frame. Rows with
// non-positive counts are dropped; a frame with any out-of-range coordinate
// is rejected outright since its plate solution cannot be trusted.
func LoadFile(path string, opts Options) (catalog.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return catalog.Frame{}, err
	}

	name := filepath.Base(path)
	frame := catalog.Frame{ID: strings.TrimSuffix(name, filepath.Ext(name))}
	frame.Timestamp, err = timestampFor(path)
	if err != nil {
		return catalog.Frame{}, err
	}

	for ln, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < columnsPerRow {
			return catalog.Frame{}, fmt.Errorf("line %d: expected %d columns, got %d", ln+1, columnsPerRow, len(fields))
		}
		vals := make([]float64, columnsPerRow)
		for i := 0; i < columnsPerRow; i++ {
			vals[i], err = strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
			if err != nil {
				return catalog.Frame{}, fmt.Errorf("line %d column %d: %w", ln+1, i+1, err)
			}
		}
		ra, dec, x, y, counts, countsErr := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]
		if ra < 0 || ra > 360 || dec < -90 || dec > 90 {
			return catalog.Frame{}, fmt.Errorf("line %d: coordinates out of range (%.4f, %.4f)", ln+1, ra, dec)
		}
		if counts <= 0 {
			continue
		}
		frame.Detections = append(frame.Detections, catalog.Detection{
			FrameID: frame.ID,
			RA:      ra,
			Dec:     dec,
			X:       x,
			Y:       y,
			Mag:     -2.5 * math.Log10(counts),
			MagErr:  1.0857 * countsErr / counts,
			Flag:    catalog.FlagGood,
		})
	}

	min := opts.MinDetections
	if min < 1 {
		min = 1
	}
	if len(frame.Detections) < min {
		return catalog.Frame{}, fmt.Errorf("only %d detections, minimum is %d", len(frame.Detections), min)
	}
	return frame, nil
}

// timestampFor extracts the exposure time from the MJD field of the file
// name, falling back to the file's modification time when the name does not
// follow the exporter convention.
func timestampFor(path string) (time.Time, error) {
	name := filepath.Base(path)
	parts := strings.Split(strings.TrimSuffix(name, filepath.Ext(name)), "_")
	if len(parts) > mjdField {
		raw := strings.ReplaceAll(parts[mjdField], "d", ".")
		if mjd, err := strconv.ParseFloat(raw, 64); err == nil && mjd > 0 {
			return MJDToTime(mjd), nil
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime().UTC(), nil
}

// MJDToTime converts a modified Julian date to UTC time.
func MJDToTime(mjd float64) time.Time {
	return mjdEpoch.Add(time.Duration(mjd * 24 * float64(time.Hour)))
}

// TimeToMJD converts a UTC time to a modified Julian date.
func TimeToMJD(t time.Time) float64 {
	return t.Sub(mjdEpoch).Hours() / 24
}
