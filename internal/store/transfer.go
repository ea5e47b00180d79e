package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"retail-pos/internal/snapshot"
	"retail-pos/internal/storage"
)

const exportTimeLayout = "2006-01-02T15-04-05.000Z"

// Artifact describes one export file.
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	// RemoteURI is set when the artifact was mirrored to remote storage.
	RemoteURI string `json:"remote_uri,omitempty"`
	// RemoteError is set when mirroring failed. The local file is still valid.
	RemoteError string `json:"remote_error,omitempty"`
}

// Export writes the live database image to a new file in the export
// directory. Existing files are never overwritten and the durability slot is
// not touched.
func (m *Manager) Export(ctx context.Context) (*Artifact, error) {
	start := time.Now()
	artifact, err := m.export(ctx)
	observe("export", start, err)
	return artifact, err
}

func (m *Manager) export(ctx context.Context) (*Artifact, error) {
	image, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := m.cfg.Clock.Now().UTC()
	path, err := writeArtifact(m.cfg.ExportDir, now, image)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		Name:      filepath.Base(path),
		Path:      path,
		Size:      int64(len(image)),
		CreatedAt: now,
	}
	m.log.WithField("file", artifact.Name).Infof("exported %d bytes", artifact.Size)

	if m.cfg.Remote != nil {
		mirrorLog := m.log.WithField("file", artifact.Name)
		uri, err := m.cfg.Remote.UploadFile(ctx, path, storage.UploadOptions{
			Bucket:    m.cfg.RemoteBucket,
			KeyPrefix: m.cfg.RemotePrefix,
			ProgressCallback: func(done, total int64) {
				mirrorLog.WithFields(logrus.Fields{"done": done, "total": total}).Debug("mirror progress")
			},
		})
		if err != nil {
			mirrorLog.WithError(err).Warn("mirror export to remote storage failed")
			artifact.RemoteError = err.Error()
		} else {
			artifact.RemoteURI = uri
		}
	}
	return artifact, nil
}

// SnapshotName is the file name an export taken now would get, for callers
// that stream the image instead of writing it to the export directory.
func (m *Manager) SnapshotName() string {
	return artifactName(m.cfg.Clock.Now().UTC(), "")
}

func artifactName(at time.Time, suffix string) string {
	stamp := at.Format(exportTimeLayout)
	if suffix == "" {
		return fmt.Sprintf("pos_backup_%s.sqlite", stamp)
	}
	return fmt.Sprintf("pos_backup_%s_%s.sqlite", stamp, suffix)
}

// writeArtifact creates pos_backup_<timestamp>.sqlite in dir. On a name
// collision a random suffix is appended instead of overwriting.
func writeArtifact(dir string, now time.Time, image []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	name := artifactName(now, "")
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		name = artifactName(now, uuid.NewString()[:8])
		f, err = os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}

	path := f.Name()
	if _, err := f.Write(image); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("sync export file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close export file: %w", err)
	}
	return path, nil
}

// Import replaces the live store with the database image read from r and
// persists it immediately. A bad image leaves the live store untouched.
func (m *Manager) Import(ctx context.Context, r io.Reader) error {
	if !m.importing.CompareAndSwap(false, true) {
		return ErrImportInProgress
	}
	defer m.importing.Store(false)

	start := time.Now()
	err := m.importFrom(ctx, r)
	observe("import", start, err)
	return err
}

// ImportRemote downloads a mirrored export and imports it.
func (m *Manager) ImportRemote(ctx context.Context, key string) error {
	if m.cfg.Remote == nil {
		return ErrRemoteDisabled
	}
	if !m.importing.CompareAndSwap(false, true) {
		return ErrImportInProgress
	}
	defer m.importing.Store(false)

	start := time.Now()
	err := func() error {
		body, err := m.cfg.Remote.Download(ctx, m.cfg.RemoteBucket, key)
		if err != nil {
			return err
		}
		defer body.Close()
		return m.importFrom(ctx, body)
	}()
	observe("import_remote", start, err)
	return err
}

// ListRemote lists mirrored exports, newest first.
func (m *Manager) ListRemote(ctx context.Context) ([]storage.ObjectInfo, error) {
	if m.cfg.Remote == nil {
		return nil, ErrRemoteDisabled
	}
	objects, err := m.cfg.Remote.ListObjects(ctx, m.cfg.RemoteBucket, m.cfg.RemotePrefix)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(objects, func(i, j int) bool {
		a, b := objects[i].LastModified, objects[j].LastModified
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	return objects, nil
}

func (m *Manager) importFrom(ctx context.Context, r io.Reader) error {
	image, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	db, err := m.codec.Deserialize(ctx, image)
	if err != nil {
		return err
	}
	if err := m.bootstrap(ctx, db, false); err != nil {
		db.Close()
		return fmt.Errorf("%w: prepare imported store: %w", snapshot.ErrCorruptSnapshot, err)
	}

	m.gate.Lock()
	if m.db == nil || m.State() != StateReady {
		m.gate.Unlock()
		db.Close()
		return ErrNotReady
	}
	m.setState(StateReplacing)
	old := m.db
	m.db = db
	ev, err := m.persistLocked(ctx, "import")
	if err != nil {
		m.db = old
		m.setState(StateReady)
		m.gate.Unlock()
		db.Close()
		return fmt.Errorf("persist imported store: %w", err)
	}
	m.setState(StateReady)
	m.gate.Unlock()

	if err := old.Close(); err != nil {
		m.log.WithError(err).Warn("close replaced store")
	}
	m.log.Infof("store replaced from import (%d bytes)", len(image))

	m.emitSave(ev)
	m.emitReplace(ctx)
	return nil
}

// ctxReader makes a long read abort once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
