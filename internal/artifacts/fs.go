// Package artifacts persists run artifact payloads on the local filesystem
// and records their metadata through the store.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/store"
)

// BlobStore writes finished artifact payloads under basePath/<runId>/<file>.
type BlobStore struct {
	basePath string
	meta     store.ArtifactMetaStore
	log      *logger.Logger
}

func NewBlobStore(basePath string, meta store.ArtifactMetaStore, log *logger.Logger) *BlobStore {
	return &BlobStore{basePath: basePath, meta: meta, log: log}
}

// NormalizeFileName strips any path components from a runtime-supplied file
// name. An empty or fully-stripped name falls back to a name derived from
// the artifact id.
func NormalizeFileName(name, artifactID string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return fmt.Sprintf("artifact-%s.bin", artifactID)
	}
	return name
}

// Save writes the payload to disk and records metadata. The returned
// artifact carries the sha256 digest of the stored bytes.
func (b *BlobStore) Save(ctx context.Context, runID, fileName, contentType string, payload []byte) (*store.Artifact, error) {
	dir := filepath.Join(b.basePath, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	path := filepath.Join(dir, fileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("finalize artifact: %w", err)
	}

	sum := sha256.Sum256(payload)
	artifact := &store.Artifact{
		RunID:       runID,
		FileName:    fileName,
		SHA256:      hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(payload)),
		ContentType: contentType,
	}
	if err := b.meta.SaveArtifactMeta(ctx, artifact); err != nil {
		return nil, fmt.Errorf("save artifact metadata: %w", err)
	}

	b.log.WithRunID(runID).Info("artifact stored",
		zap.String("file_name", fileName),
		zap.Int64("size_bytes", artifact.SizeBytes),
		zap.String("sha256", artifact.SHA256))
	return artifact, nil
}

// Path returns the on-disk location of a stored artifact.
func (b *BlobStore) Path(runID, fileName string) string {
	return filepath.Join(b.basePath, runID, fileName)
}

// Remove deletes every stored payload for a run. Missing directories are
// not an error.
func (b *BlobStore) Remove(runID string) error {
	err := os.RemoveAll(filepath.Join(b.basePath, runID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
