package storage

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/technosupport/ts-camgw/internal/config"
)

// ErrStorageCritical blocks new captures when usage crosses the block
// threshold.
var ErrStorageCritical = errors.New("storage usage above block threshold")

// Info is the point-in-time usage report for the media volume.
type Info struct {
	TotalBytes     uint64  `json:"total_space"`
	UsedBytes      uint64  `json:"used_space"`
	AvailableBytes uint64  `json:"available_space"`
	UsedPercent    float64 `json:"usage_percent"`
	Warn           bool    `json:"low_space_warning"`
	Blocked        bool    `json:"recording_blocked"`
}

// statfs is swappable so tests can script usage levels.
type statfs func(path string) (total, available uint64, err error)

// Monitor reports disk usage for the recordings volume and gates capture
// operations against the configured thresholds.
type Monitor struct {
	dir          string
	warnPercent  float64
	blockPercent float64
	logger       zerolog.Logger
	stat         statfs
}

func NewMonitor(cfg config.StorageConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		dir:          cfg.RecordingsDir,
		warnPercent:  cfg.WarnPercent,
		blockPercent: cfg.BlockPercent,
		logger:       logger.With().Str("component", "storage").Logger(),
		stat:         unixStatfs,
	}
}

func unixStatfs(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}

// Info samples the volume.
func (m *Monitor) Info() (Info, error) {
	total, avail, err := m.stat(m.dir)
	if err != nil {
		return Info{}, fmt.Errorf("statfs %s: %w", m.dir, err)
	}
	if total == 0 {
		return Info{}, fmt.Errorf("statfs %s: zero-sized filesystem", m.dir)
	}
	used := total - avail
	pct := float64(used) / float64(total) * 100

	info := Info{
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: avail,
		UsedPercent:    pct,
		Warn:           pct >= m.warnPercent,
		Blocked:        pct >= m.blockPercent,
	}
	if info.Blocked {
		m.logger.Warn().Float64("used_percent", pct).Msg("storage above block threshold")
	} else if info.Warn {
		m.logger.Warn().Float64("used_percent", pct).Msg("storage above warn threshold")
	}
	return info, nil
}

// CheckWritable returns ErrStorageCritical when new captures must be refused.
// A statfs failure does not block captures; it is logged and treated as ok.
func (m *Monitor) CheckWritable() error {
	info, err := m.Info()
	if err != nil {
		m.logger.Warn().Err(err).Msg("storage check failed, allowing capture")
		return nil
	}
	if info.Blocked {
		return fmt.Errorf("%w: %.1f%% used", ErrStorageCritical, info.UsedPercent)
	}
	return nil
}
