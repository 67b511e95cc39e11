package module

import (
	"encoding/json"
	"fmt"

	"github.com/prometheus/procfs"
)

type procfsConfig struct {
	// Mount overrides the proc mount point; tests point it at fixtures.
	Mount string `json:"mount"`
}

func openProcFS(raw json.RawMessage) (procfs.FS, error) {
	var cfg procfsConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return procfs.FS{}, err
	}
	if cfg.Mount == "" {
		cfg.Mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(cfg.Mount)
	if err != nil {
		return procfs.FS{}, fmt.Errorf("open procfs %s: %w", cfg.Mount, err)
	}
	return fs, nil
}

// loadAvg reports /proc/loadavg.
type loadAvg struct {
	plainBuffer
	fs procfs.FS
}

func newLoadAvg(raw json.RawMessage) (Module, error) {
	fs, err := openProcFS(raw)
	if err != nil {
		return nil, err
	}
	return &loadAvg{fs: fs}, nil
}

func (m *loadAvg) Init() error {
	_, err := m.fs.LoadAvg()
	return err
}

func (m *loadAvg) Collect(out *[]byte) int {
	la, err := m.fs.LoadAvg()
	if err != nil {
		return CodeError
	}
	return writeJSON(out, map[string]float64{
		"load1":  la.Load1,
		"load5":  la.Load5,
		"load15": la.Load15,
	})
}

// memInfo reports the headline /proc/meminfo counters in bytes.
type memInfo struct {
	plainBuffer
	fs procfs.FS
}

func newMemInfo(raw json.RawMessage) (Module, error) {
	fs, err := openProcFS(raw)
	if err != nil {
		return nil, err
	}
	return &memInfo{fs: fs}, nil
}

func (m *memInfo) Init() error {
	_, err := m.fs.Meminfo()
	return err
}

type memPayload struct {
	TotalBytes     uint64  `json:"total_bytes"`
	FreeBytes      uint64  `json:"free_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	SwapTotalBytes uint64  `json:"swap_total_bytes"`
	SwapFreeBytes  uint64  `json:"swap_free_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

func (m *memInfo) Collect(out *[]byte) int {
	mi, err := m.fs.Meminfo()
	if err != nil {
		return CodeError
	}
	kib := func(v *uint64) uint64 {
		if v == nil {
			return 0
		}
		return *v * 1024
	}
	p := memPayload{
		TotalBytes:     kib(mi.MemTotal),
		FreeBytes:      kib(mi.MemFree),
		AvailableBytes: kib(mi.MemAvailable),
		SwapTotalBytes: kib(mi.SwapTotal),
		SwapFreeBytes:  kib(mi.SwapFree),
	}
	if p.TotalBytes == 0 {
		return CodeNoData
	}
	avail := p.AvailableBytes
	if mi.MemAvailable == nil {
		avail = p.FreeBytes
	}
	p.UsedPercent = 100 * float64(p.TotalBytes-avail) / float64(p.TotalBytes)
	return writeJSON(out, p)
}
