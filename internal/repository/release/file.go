package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
)

// Repository defines persistence operations for the committed release.
type Repository interface {
	Load(ctx context.Context) (*domain.Release, error)
	Save(ctx context.Context, release *domain.Release) error
}

// ErrNotFound is returned when no release has ever been committed.
var ErrNotFound = errors.New("release manifest not found")

// manifestPermissions keeps the manifest readable by the agent only.
const manifestPermissions = 0o600

// manifest is the YAML shape of the release record on disk.
type manifest struct {
	// Version is the opaque release label.
	Version string `yaml:"version"`
	// SHA256 is the lowercase hex digest of the installed binary.
	SHA256 string `yaml:"sha256"`
}

// FileRepository persists the committed release as a single YAML
// manifest. Version and digest live in one file and the file is
// replaced atomically, so a reader can never observe a half-updated
// pair even across power loss.
type FileRepository struct {
	// path is the filesystem location of the manifest.
	path string
	// mu protects concurrent access to the manifest file.
	mu sync.Mutex
}

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Load reads the committed release from disk.
func (r *FileRepository) Load(_ context.Context) (*domain.Release, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read release manifest: %w", err)
	}

	var m manifest
	if err = yaml.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("decode release manifest: %w", err)
	}

	digest, err := integrity.ParseDigest(m.SHA256)
	if err != nil {
		return nil, fmt.Errorf("decode release manifest: %w", err)
	}

	return &domain.Release{
		Version: m.Version,
		Digest:  digest,
	}, nil
}

// Save writes the release to disk. The manifest is written to a
// temporary file first and renamed into place, then the directory is
// synced so the rename survives power loss.
func (r *FileRepository) Save(_ context.Context, release *domain.Release) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(manifest{
		Version: release.Version,
		SHA256:  release.Digest.String(),
	})
	if err != nil {
		return fmt.Errorf("encode release manifest: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err = os.WriteFile(tmpPath, data, manifestPermissions); err != nil {
		return fmt.Errorf("write release manifest: %w", err)
	}

	if err = os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit release manifest: %w", err)
	}

	return syncDir(filepath.Dir(r.path))
}

// syncDir flushes directory metadata so a completed rename is durable.
func syncDir(dir string) error {
	handle, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("open directory for sync: %w", err)
	}
	defer handle.Close()

	if err = handle.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}

	return nil
}
