package locache

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"voxelrtp.ai/internal/sim/terrain"
)

const snapshotVersion = 1

type snapshotV1 struct {
	Version int                           `json:"version"`
	SavedAt int64                         `json:"saved_at_ms"`
	Worlds  map[string][]terrain.Position `json:"worlds"`
}

// SaveSnapshot writes the queued positions of every world to path.
func (c *Cache) SaveSnapshot(path string) (int, error) {
	c.mu.Lock()
	snap := snapshotV1{Version: snapshotVersion, SavedAt: c.now().UnixMilli(), Worlds: map[string][]terrain.Position{}}
	n := 0
	for w, q := range c.queues {
		if len(q) == 0 {
			continue
		}
		snap.Worlds[w] = append([]terrain.Position(nil), q...)
		n += len(q)
	}
	c.mu.Unlock()

	if err := writeSnapshot(path, snap); err != nil {
		return 0, fmt.Errorf("locache: save snapshot: %w", err)
	}
	return n, nil
}

func writeSnapshot(path string, snap snapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return err
	}
	bw := bufio.NewWriter(enc)
	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores positions from path and removes the file. A missing
// file is not an error. Positions for worlds that are no longer cached, or
// beyond a world's target, are dropped.
func (c *Cache) LoadSnapshot(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("locache: load snapshot: %w", err)
	}
	snap, err := readSnapshot(f)
	_ = f.Close()
	// The snapshot is only a restart convenience; never load it twice.
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		c.log.Printf("remove snapshot %s: %v", path, rmErr)
	}
	if err != nil {
		return 0, fmt.Errorf("locache: load snapshot: %w", err)
	}
	n := 0
	for w, q := range snap.Worlds {
		for _, pos := range q {
			if c.push(w, pos) {
				n++
			}
		}
	}
	return n, nil
}

func readSnapshot(f *os.File) (snapshotV1, error) {
	var snap snapshotV1
	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()
	if err := json.NewDecoder(bufio.NewReader(dec)).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode: %w", err)
	}
	if snap.Version != snapshotVersion {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return snap, nil
}
