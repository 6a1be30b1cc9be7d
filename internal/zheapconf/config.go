// Package zheapconf loads engine tunables from TOML, in the spirit
// of server/conf/config.go's struct-with-defaults pattern but for a
// storage kernel rather than a MySQL session.
package zheapconf

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Config holds the tunables spec.md leaves as engine parameters:
// page size B, slot count S, rollback thresholds, and discard
// sweep interval.
type Config struct {
	PageSize          int    `toml:"page_size" default:"8192"`
	SlotCount         int    `toml:"slot_count" default:"4"`
	MaxOverflowPages  int    `toml:"max_overflow_pages" default:"4"`
	RollbackWindow    string `toml:"rollback_window" default:"32MiB"`
	ForegroundUndoMax string `toml:"foreground_undo_max" default:"8KiB"`
	DiscardSweep      string `toml:"discard_sweep_interval" default:"1s"`
	WorkerBackoffMin  string `toml:"worker_backoff_min" default:"100ms"`
	WorkerBackoffMax  string `toml:"worker_backoff_max" default:"10s"`
	UndoSegmentSize   string `toml:"undo_segment_size" default:"32MiB"`
}

// Default returns the configuration used throughout the test suite
// and the demo command.
func Default() Config {
	return Config{
		PageSize:          8192,
		SlotCount:         4,
		MaxOverflowPages:  4,
		RollbackWindow:    "32MiB",
		ForegroundUndoMax: "8KiB",
		DiscardSweep:      "1s",
		WorkerBackoffMin:  "100ms",
		WorkerBackoffMax:  "10s",
		UndoSegmentSize:   "32MiB",
	}
}

// Load reads and parses a TOML config file, falling back to Default
// for any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "zheapconf: read %s", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "zheapconf: unmarshal %s", path)
	}
	return cfg, nil
}

func parseSize(s string) (int64, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(err, "zheapconf: parse size %q", s)
	}
	return int64(v.Bytes()), nil
}

func (c Config) RollbackWindowBytes() (int64, error)    { return parseSize(c.RollbackWindow) }
func (c Config) ForegroundUndoMaxBytes() (int64, error) { return parseSize(c.ForegroundUndoMax) }
func (c Config) UndoSegmentSizeBytes() (int64, error)   { return parseSize(c.UndoSegmentSize) }

func (c Config) DiscardSweepInterval() (time.Duration, error) {
	return time.ParseDuration(c.DiscardSweep)
}

func (c Config) WorkerBackoffBounds() (min, max time.Duration, err error) {
	min, err = time.ParseDuration(c.WorkerBackoffMin)
	if err != nil {
		return 0, 0, err
	}
	max, err = time.ParseDuration(c.WorkerBackoffMax)
	return min, max, err
}
