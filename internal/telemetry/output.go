package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/talgya/metropolis/internal/config"
)

// Output writes telemetry.csv and perf.csv into a run directory. A nil
// *Output discards everything, so callers need not check whether output is
// enabled.
type Output struct {
	dir           string
	telemetryFile *os.File
	perfFile      *os.File

	telemetryHeaderWritten bool
	perfHeaderWritten      bool
}

// NewOutput creates the directory and its CSV files. It returns nil when
// dir is empty.
func NewOutput(dir string) (*Output, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating telemetry directory: %w", err)
	}

	out := &Output{dir: dir}
	f, err := os.Create(filepath.Join(dir, "telemetry.csv"))
	if err != nil {
		return nil, fmt.Errorf("creating telemetry.csv: %w", err)
	}
	out.telemetryFile = f

	f, err = os.Create(filepath.Join(dir, "perf.csv"))
	if err != nil {
		out.telemetryFile.Close()
		return nil, fmt.Errorf("creating perf.csv: %w", err)
	}
	out.perfFile = f
	return out, nil
}

// Dir returns the output directory, or "" when disabled.
func (o *Output) Dir() string {
	if o == nil {
		return ""
	}
	return o.dir
}

// WriteConfig saves the effective configuration next to the CSV files.
func (o *Output) WriteConfig(cfg *config.Config) error {
	if o == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(o.dir, "config.yaml"))
}

// WriteWindow appends one row to telemetry.csv.
func (o *Output) WriteWindow(w WindowStats) error {
	if o == nil {
		return nil
	}
	if err := writeRow(o.telemetryFile, []WindowStats{w}, &o.telemetryHeaderWritten); err != nil {
		return fmt.Errorf("writing telemetry: %w", err)
	}
	return nil
}

// WritePerf appends one row to perf.csv.
func (o *Output) WritePerf(s PerfStats, windowEnd uint64) error {
	if o == nil {
		return nil
	}
	if err := writeRow(o.perfFile, []PerfStatsCSV{s.ToCSV(windowEnd)}, &o.perfHeaderWritten); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// writeRow marshals records, with the header only on the first write.
func writeRow(f *os.File, records any, headerWritten *bool) error {
	if *headerWritten {
		return gocsv.MarshalWithoutHeaders(records, f)
	}
	if err := gocsv.Marshal(records, f); err != nil {
		return err
	}
	*headerWritten = true
	return nil
}

// Close closes both files.
func (o *Output) Close() error {
	if o == nil {
		return nil
	}
	return errors.Join(o.telemetryFile.Close(), o.perfFile.Close())
}
