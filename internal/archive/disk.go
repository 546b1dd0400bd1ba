package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fluxer-voice-lab/internal/logging"
	"github.com/fluxer-voice-lab/internal/pipeline"
)

// SaveFileAtomic writes data to path atomically by writing to a tmp file in
// the same directory, fsyncing, closing, and renaming into place.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Disk writes each utterance as <name>.wav plus a <name>.json sidecar in
// one flat directory.
type Disk struct {
	Dir string
}

var _ pipeline.Archiver = (*Disk)(nil)

func (d *Disk) Archive(_ context.Context, rec pipeline.Record) error {
	name := strings.ReplaceAll(objectBase(rec), "/", "_")
	wavPath := filepath.Join(d.Dir, name+".wav")
	if err := SaveFileAtomic(wavPath, rec.WAV, 0o644); err != nil {
		return err
	}
	meta := MetadataFor(rec)
	meta.WAVPath = wavPath
	b, err := meta.encode()
	if err != nil {
		return err
	}
	if err := SaveFileAtomic(filepath.Join(d.Dir, name+".json"), b, 0o644); err != nil {
		return err
	}
	logging.Debugw("archive: saved utterance", "path", wavPath, "correlation_id", rec.Utterance.ID)
	return nil
}

// Cleaner removes archived sidecar/WAV pairs older than Retention and
// keeps at most MaxFiles pairs, oldest first.
type Cleaner struct {
	Dir       string
	Retention time.Duration
	MaxFiles  int
	Now       func() time.Time
}

type pairInfo struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// Run cleans every interval until ctx is done. Caller must call wg.Add(1)
// first.
func (c *Cleaner) Run(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Clean(); n > 0 {
				logging.Debugw("archive: cleanup removed utterances", "dir", c.Dir, "removed", n)
			}
		}
	}
}

// Clean runs one pass and returns how many pairs were removed.
func (c *Cleaner) Clean() int {
	files, err := os.ReadDir(c.Dir)
	if err != nil {
		logging.Debugw("archive: cleanup readDir failed", "err", err)
		return 0
	}
	var pairs []pairInfo
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(c.Dir, name)
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if b, err := os.ReadFile(jsonPath); err == nil {
			var m Metadata
			if json.Unmarshal(b, &m) == nil && m.WAVPath != "" {
				wavPath = m.WAVPath
			}
		}
		st, err := fi.Info()
		if err != nil {
			continue
		}
		pairs = append(pairs, pairInfo{jsonPath: jsonPath, wavPath: wavPath, mod: st.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	removed := 0
	remove := func(p pairInfo) {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.wavPath)
		removed++
	}
	keep := pairs[:0]
	if c.Retention > 0 {
		cutoff := now().Add(-c.Retention)
		for _, p := range pairs {
			if p.mod.Before(cutoff) {
				remove(p)
				continue
			}
			keep = append(keep, p)
		}
	} else {
		keep = pairs
	}
	if c.MaxFiles > 0 && len(keep) > c.MaxFiles {
		for _, p := range keep[:len(keep)-c.MaxFiles] {
			remove(p)
		}
	}
	return removed
}
