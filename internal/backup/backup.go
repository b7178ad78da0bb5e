// Package backup takes verified file-level snapshots of source SQLite
// databases and restores them on rollback.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/config"
	"github.com/sells-group/dbconsolidate/internal/source"
)

// ErrNoBackup is returned when no snapshot of a source verifies.
var ErrNoBackup = eris.New("backup: no verified backup")

// valueTolerance is the largest business value drift accepted between a
// snapshot and its recomputation.
const valueTolerance = 0.005

// Snapshot describes one backup file. It is stored as a JSON sidecar next to
// the copy.
type Snapshot struct {
	Source        string    `json:"source" yaml:"source"`
	Original      string    `json:"original_path" yaml:"original_path"`
	Path          string    `json:"backup_path" yaml:"backup_path"`
	SHA256        string    `json:"sha256" yaml:"sha256"`
	Size          int64     `json:"size" yaml:"size"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	BusinessValue float64   `json:"business_value" yaml:"business_value"`
}

func (s *Snapshot) sidecar() string { return strings.TrimSuffix(s.Path, ".db") + ".json" }

// Valuer computes the business value held in a database file.
type Valuer func(ctx context.Context, path string) (float64, error)

// Manager creates, verifies, lists and restores snapshots under a directory.
type Manager struct {
	dir   string
	value Valuer
	now   func() time.Time
	log   *zap.Logger
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string, value Valuer) *Manager {
	return &Manager{
		dir:   dir,
		value: value,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "backup")),
	}
}

// Create checkpoints the source, copies it read-only into the backup
// directory and verifies the copy. A copy that fails verification is
// removed and an error returned.
func (m *Manager) Create(ctx context.Context, src config.SourceConfig) (*Snapshot, error) {
	if err := source.Checkpoint(ctx, src.Path); err != nil {
		return nil, err
	}
	want, err := m.value(ctx, src.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "backup: value of %s", src.Name)
	}

	dir := filepath.Join(m.dir, src.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "backup: create dir %s", dir)
	}
	created := m.now().UTC()
	snap := &Snapshot{
		Source:        src.Name,
		Original:      src.Path,
		Path:          filepath.Join(dir, fmt.Sprintf("%s-%s.db", src.Name, created.Format("20060102T150405.000000000Z"))),
		CreatedAt:     created,
		BusinessValue: want,
	}

	sum, size, err := copyFile(src.Path, snap.Path, 0o444)
	if err != nil {
		return nil, err
	}
	snap.SHA256, snap.Size = sum, size

	if err := m.Verify(ctx, snap); err != nil {
		m.remove(snap)
		return nil, eris.Wrapf(err, "backup: verify new backup of %s", src.Name)
	}
	if err := writeSidecar(snap); err != nil {
		m.remove(snap)
		return nil, err
	}

	m.log.Info("backup created",
		zap.String("source", src.Name),
		zap.String("path", snap.Path),
		zap.String("sha256", snap.SHA256),
		zap.Int64("size", snap.Size),
		zap.Float64("business_value", snap.BusinessValue),
	)
	return snap, nil
}

// Verify recomputes the checksum and business value of a snapshot file.
func (m *Manager) Verify(ctx context.Context, snap *Snapshot) error {
	sum, size, err := hashFile(snap.Path)
	if err != nil {
		return err
	}
	if size != snap.Size || sum != snap.SHA256 {
		return eris.Errorf("backup: %s checksum mismatch: have %s (%d bytes), want %s (%d bytes)",
			snap.Path, sum, size, snap.SHA256, snap.Size)
	}
	v, err := m.value(ctx, snap.Path)
	if err != nil {
		return eris.Wrapf(err, "backup: value of %s", snap.Path)
	}
	if math.Abs(v-snap.BusinessValue) > valueTolerance {
		return eris.Errorf("backup: %s business value %.2f, want %.2f", snap.Path, v, snap.BusinessValue)
	}
	return nil
}

// List returns the snapshots of a source, newest first. An empty source
// lists every source.
func (m *Manager) List(src string) ([]*Snapshot, error) {
	pattern := filepath.Join(m.dir, "*", "*.json")
	if src != "" {
		pattern = filepath.Join(m.dir, src, "*.json")
	}
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "backup: list %s", pattern)
	}

	snaps := make([]*Snapshot, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, eris.Wrapf(err, "backup: read %s", f)
		}
		var s Snapshot
		if err := json.Unmarshal(b, &s); err != nil {
			m.log.Warn("unreadable backup metadata, ignoring", zap.String("path", f), zap.Error(err))
			continue
		}
		snaps = append(snaps, &s)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// Latest returns the newest snapshot of a source that still verifies.
// Snapshots that fail verification are logged and skipped.
func (m *Manager) Latest(ctx context.Context, src string) (*Snapshot, error) {
	snaps, err := m.List(src)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		if err := m.Verify(ctx, s); err != nil {
			m.log.Warn("backup failed verification, skipping", zap.String("path", s.Path), zap.Error(err))
			continue
		}
		return s, nil
	}
	return nil, eris.Wrapf(ErrNoBackup, "backup: source %s", src)
}

// Restore replaces target with the snapshot. The copy lands in a temporary
// file beside target and is renamed over it, so target is never left half
// written. Stale WAL and shared-memory files are removed. The restored file
// is re-verified against the snapshot.
func (m *Manager) Restore(ctx context.Context, snap *Snapshot, target string) error {
	if err := m.Verify(ctx, snap); err != nil {
		return eris.Wrap(err, "backup: restore source")
	}

	tmp := fmt.Sprintf("%s.restore-%d", target, m.now().UnixNano())
	if _, _, err := copyFile(snap.Path, tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "backup: replace %s", target)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(target + suffix); err != nil && !os.IsNotExist(err) {
			return eris.Wrapf(err, "backup: remove %s%s", target, suffix)
		}
	}
	syncDir(filepath.Dir(target))

	sum, _, err := hashFile(target)
	if err != nil {
		return err
	}
	if sum != snap.SHA256 {
		return eris.Errorf("backup: restored %s checksum %s, want %s", target, sum, snap.SHA256)
	}
	v, err := m.value(ctx, target)
	if err != nil {
		return eris.Wrapf(err, "backup: value of restored %s", target)
	}
	if math.Abs(v-snap.BusinessValue) > valueTolerance {
		return eris.Errorf("backup: restored %s business value %.2f, want %.2f", target, v, snap.BusinessValue)
	}

	m.log.Info("source restored",
		zap.String("source", snap.Source),
		zap.String("target", target),
		zap.String("backup", snap.Path),
		zap.Float64("business_value", v),
	)
	return nil
}

// Prune deletes all but the newest keep snapshots of a source and returns
// the removed backup paths.
func (m *Manager) Prune(src string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, eris.Errorf("backup: prune keep must be at least 1, got %d", keep)
	}
	snaps, err := m.List(src)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, s := range snaps[min(keep, len(snaps)):] {
		m.remove(s)
		removed = append(removed, s.Path)
	}
	if len(removed) > 0 {
		m.log.Info("backups pruned", zap.String("source", src), zap.Int("removed", len(removed)), zap.Int("kept", keep))
	}
	return removed, nil
}

func (m *Manager) remove(s *Snapshot) {
	for _, p := range []string{s.Path, s.sidecar()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.log.Warn("remove backup file", zap.String("path", p), zap.Error(err))
		}
	}
}

func writeSidecar(s *Snapshot) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "backup: encode metadata")
	}
	if err := os.WriteFile(s.sidecar(), b, 0o444); err != nil {
		return eris.Wrapf(err, "backup: write metadata %s", s.sidecar())
	}
	return nil
}

// copyFile copies src to dst, fsyncs it and sets mode, returning the sha256
// and size of the written bytes.
func copyFile(src, dst string, mode os.FileMode) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, eris.Wrapf(err, "backup: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, eris.Wrapf(err, "backup: create %s", dst)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		out.Close() //nolint:errcheck
		return "", 0, eris.Wrapf(err, "backup: copy %s to %s", src, dst)
	}
	if err := out.Sync(); err != nil {
		out.Close() //nolint:errcheck
		return "", 0, eris.Wrapf(err, "backup: sync %s", dst)
	}
	if err := out.Close(); err != nil {
		return "", 0, eris.Wrapf(err, "backup: close %s", dst)
	}
	if err := os.Chmod(dst, mode); err != nil {
		return "", 0, eris.Wrapf(err, "backup: chmod %s", dst)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, eris.Wrapf(err, "backup: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, eris.Wrapf(err, "backup: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
