package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/population"
)

// CurrentVersion is the snapshot format written by this build. Version 1
// snapshots carry no virtual population record.
const CurrentVersion = 2

// ErrVersionMismatch reports a snapshot whose format differs from
// CurrentVersion. Older snapshots load with documented defaults; newer ones
// cannot be read.
var ErrVersionMismatch = errors.New("snapshot version mismatch")

// Header is the first line of a snapshot file, readable without decoding the body.
type Header struct {
	Version int       `json:"version"`
	CityID  string    `json:"city_id"`
	Name    string    `json:"name"`
	Tick    uint64    `json:"tick"`
	SavedAt time.Time `json:"saved_at"`
}

// Snapshot is the complete saved state of a city.
type Snapshot struct {
	Header Header `json:"header"`

	Seed            int64          `json:"seed"`
	TotalPopulation int64          `json:"total_population"`
	NextAgent       agents.AgentID `json:"next_agent"`

	Agents []*agents.Agent    `json:"agents"`
	Groups []population.Group `json:"groups"`
	Homes  []agents.Place     `json:"homes,omitempty"`
	Works  []agents.Place     `json:"works,omitempty"`
	Pins   []agents.AgentID   `json:"pins,omitempty"`

	// Virtual is nil in snapshots that predate the ledger.
	Virtual *population.VirtualRecord `json:"virtual,omitempty"`
}

// Legacy reports whether the snapshot lacks the virtual population record.
func (s *Snapshot) Legacy() bool { return s.Virtual == nil }

// SnapshotPath returns the file name for a snapshot taken at tick.
func SnapshotPath(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("city-%012d.snap.zst", tick))
}

// WriteSnapshot writes a zstd-compressed snapshot: a JSON header line
// followed by the JSON body. The file is written to a temporary name and
// renamed into place.
func WriteSnapshot(path string, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := encodeSnapshot(f, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encodeSnapshot(f *os.File, snap *Snapshot) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		enc.Close()
		return fmt.Errorf("encode header: %w", err)
	}
	bw.Write(hb)
	bw.WriteByte('\n')
	if err := json.NewEncoder(bw).Encode(snap); err != nil {
		enc.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadSnapshot reads a snapshot written by WriteSnapshot. Snapshots from a
// newer format are rejected with ErrVersionMismatch.
func ReadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: file is version %d, this build reads up to %d", ErrVersionMismatch, h.Version, CurrentVersion)
	}

	snap := &Snapshot{}
	if err := json.NewDecoder(br).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.Header = h
	return snap, nil
}

// Latest returns the newest snapshot in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	// Tick is zero-padded, so lexical order is tick order.
	slices.Sort(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
