// Package backup implements manifest-gated snapshot bundles over the ledger
// and the receipt blob store, and the restore paths that consume them.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"fiscalcore/internal/blob"
	"fiscalcore/internal/infra/persistence/memory"
	"fiscalcore/internal/integrity"
	"fiscalcore/internal/logging"
	"fiscalcore/pkg/domain"
)

const (
	manifestFile = "manifest.json"
	snapshotFile = "ledger.snapshot.json"
	blobsDir     = "blobs"
)

// Coordinator produces and consumes backup bundles. A bundle is a directory
// under the coordinator's root holding the ledger snapshot, a copy of every
// referenced receipt blob, and a manifest. The manifest is written last, via
// temp file and rename, so its presence is the validity signal: a bundle
// without a manifest is garbage from an interrupted run and is never restored.
type Coordinator struct {
	store domain.PersistentStore
	blobs blob.Store
	root  string
	log   *logging.Logger
	nowFn func() time.Time
	idFn  func() string
}

// New constructs a coordinator writing bundles under root.
func New(store domain.PersistentStore, blobs blob.Store, root string, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{
		store: store,
		blobs: blobs,
		root:  root,
		log:   log,
		nowFn: func() time.Time { return time.Now().UTC() },
		idFn:  uuid.NewString,
	}
}

// SetNowFunc overrides the clock; test hook.
func (c *Coordinator) SetNowFunc(fn func() time.Time) { c.nowFn = fn }

// SetIDFunc overrides backup ID generation; test hook.
func (c *Coordinator) SetIDFunc(fn func() string) { c.idFn = fn }

// CreateSnapshot captures the current ledger state and every referenced
// receipt blob into a new bundle. The ledger is exported first from a single
// consistent view; blobs are then copied, and the manifest lands only after
// everything else is durable. On any failure the partial bundle is discarded.
func (c *Coordinator) CreateSnapshot(ctx context.Context, label string) (domain.BackupManifest, error) {
	id := c.idFn()
	dir := filepath.Join(c.root, id)
	if err := os.MkdirAll(filepath.Join(dir, blobsDir), 0o755); err != nil {
		return domain.BackupManifest{}, fmt.Errorf("create bundle dir: %w", err)
	}

	manifest, err := c.populateBundle(ctx, dir, id, label)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			c.log.Warn("discard partial bundle failed", "backup_id", id, "error", rmErr)
		}
		return domain.BackupManifest{}, err
	}
	c.log.Info("backup created",
		"backup_id", id,
		"receipts", len(manifest.ReceiptKeys),
		"total_bytes", manifest.TotalSize)
	return manifest, nil
}

func (c *Coordinator) populateBundle(ctx context.Context, dir, id, label string) (domain.BackupManifest, error) {
	snapshot := c.store.ExportState()

	snapBytes, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return domain.BackupManifest{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := writeFileSync(filepath.Join(dir, snapshotFile), snapBytes); err != nil {
		return domain.BackupManifest{}, fmt.Errorf("write snapshot: %w", err)
	}

	total := int64(len(snapBytes))
	keys := make([]string, 0, len(snapshot.Receipts))
	for _, rec := range snapshot.Receipts {
		if err := ctx.Err(); err != nil {
			return domain.BackupManifest{}, err
		}
		n, err := c.copyBlobIn(ctx, dir, rec.StorageKey)
		if err != nil {
			return domain.BackupManifest{}, fmt.Errorf("bundle blob %s: %w", rec.StorageKey, err)
		}
		total += n
		keys = append(keys, rec.StorageKey)
	}
	sort.Strings(keys)

	manifest := domain.BackupManifest{
		BackupID:      id,
		Label:         label,
		CreatedAt:     c.nowFn(),
		DBSnapshotRef: snapshotFile,
		ReceiptKeys:   keys,
		TotalSize:     total,
	}
	manifest.Checksum, err = manifestChecksum(manifest)
	if err != nil {
		return domain.BackupManifest{}, err
	}
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return domain.BackupManifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.BackupManifest{}, err
	}
	if err := writeFileSync(filepath.Join(dir, manifestFile), body); err != nil {
		return domain.BackupManifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return manifest, nil
}

func (c *Coordinator) copyBlobIn(ctx context.Context, dir, key string) (int64, error) {
	path, err := bundleBlobPath(dir, key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	_, rc, err := c.blobs.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()
	f, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	n, err := io.Copy(f, rc)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// bundleBlobPath maps a storage key onto a path inside the bundle, rejecting
// keys that would escape it.
func bundleBlobPath(dir, key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("unsafe storage key %q", key)
	}
	return filepath.Join(dir, blobsDir, clean), nil
}

// ReadManifest loads and checksum-validates the manifest of one bundle.
func (c *Coordinator) ReadManifest(backupID string) (domain.BackupManifest, error) {
	dir := filepath.Join(c.root, backupID)
	body, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.BackupManifest{}, domain.ErrManifestInvalid{BackupID: backupID, Reason: "manifest missing"}
		}
		return domain.BackupManifest{}, err
	}
	var manifest domain.BackupManifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return domain.BackupManifest{}, domain.ErrManifestInvalid{BackupID: backupID, Reason: "manifest unreadable"}
	}
	want, err := manifestChecksum(manifest)
	if err != nil {
		return domain.BackupManifest{}, err
	}
	if manifest.Checksum != want {
		return domain.BackupManifest{}, domain.ErrManifestInvalid{BackupID: backupID, Reason: "manifest checksum mismatch"}
	}
	return manifest, nil
}

// VerifyBackup checks a bundle end to end without restoring it: manifest
// present and checksum-valid, ledger snapshot readable, every listed receipt
// blob present in the bundle, and every bundled blob hashing to the content
// hash its receipt record claims.
func (c *Coordinator) VerifyBackup(ctx context.Context, backupID string) (domain.BackupManifest, error) {
	manifest, err := c.ReadManifest(backupID)
	if err != nil {
		return domain.BackupManifest{}, err
	}
	dir := filepath.Join(c.root, backupID)
	snapshot, err := loadSnapshot(filepath.Join(dir, manifest.DBSnapshotRef))
	if err != nil {
		return domain.BackupManifest{}, domain.ErrManifestInvalid{BackupID: backupID, Reason: "ledger snapshot unreadable"}
	}
	wantHash := make(map[string]string, len(snapshot.Receipts))
	for _, rec := range snapshot.Receipts {
		wantHash[rec.StorageKey] = rec.ContentHash
	}
	for _, key := range manifest.ReceiptKeys {
		if err := ctx.Err(); err != nil {
			return domain.BackupManifest{}, err
		}
		path, err := bundleBlobPath(dir, key)
		if err != nil {
			return domain.BackupManifest{}, domain.ErrManifestInvalid{BackupID: backupID, Reason: fmt.Sprintf("unsafe key %s", key)}
		}
		got, err := hashFile(path)
		if err != nil {
			return domain.BackupManifest{}, domain.ErrManifestInvalid{BackupID: backupID, Reason: fmt.Sprintf("receipt blob %s missing from bundle", key)}
		}
		if want, ok := wantHash[key]; ok && got != want {
			return domain.BackupManifest{}, domain.ErrManifestInvalid{BackupID: backupID, Reason: fmt.Sprintf("receipt blob %s content drifted", key)}
		}
	}
	return manifest, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RestoreSnapshot replaces the live ledger and receipt blobs with the bundle's
// contents. The bundle is fully verified first, every blob is staged into the
// blob store, and only then is the ledger state swapped, so a failed restore
// never leaves a half-written ledger behind.
func (c *Coordinator) RestoreSnapshot(ctx context.Context, backupID string) error {
	if err := c.RestoreInto(ctx, backupID, c.store, c.blobs); err != nil {
		return err
	}
	c.log.Info("backup restored", "backup_id", backupID)
	return nil
}

// RestoreInto restores a bundle into an arbitrary ledger and blob store pair,
// with the same verification and ordering as RestoreSnapshot.
func (c *Coordinator) RestoreInto(ctx context.Context, backupID string, store domain.PersistentStore, blobs blob.Store) error {
	manifest, err := c.VerifyBackup(ctx, backupID)
	if err != nil {
		return err
	}
	dir := filepath.Join(c.root, backupID)
	snapshot, err := loadSnapshot(filepath.Join(dir, manifest.DBSnapshotRef))
	if err != nil {
		return fmt.Errorf("load ledger snapshot: %w", err)
	}

	for _, key := range manifest.ReceiptKeys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.restoreBlob(ctx, dir, key, blobs); err != nil {
			return fmt.Errorf("restore blob %s: %w", key, err)
		}
	}
	if err := store.ImportState(snapshot); err != nil {
		return fmt.Errorf("import ledger state: %w", err)
	}
	return nil
}

func (c *Coordinator) restoreBlob(ctx context.Context, dir, key string, blobs blob.Store) error {
	path, err := bundleBlobPath(dir, key)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = blobs.Put(ctx, key, f, blob.PutOptions{})
	if errors.Is(err, blob.ErrExists) {
		// Keys embed the content hash, so an occupied key already holds
		// the right bytes.
		return nil
	}
	return err
}

// RunRestoreDrill restores the bundle into a throwaway ledger and blob store
// and runs an integrity scan over the result, proving the bundle restorable
// without touching live state.
func (c *Coordinator) RunRestoreDrill(ctx context.Context, backupID string) (domain.IntegrityReport, error) {
	sandboxDir, err := os.MkdirTemp("", "fiscalcore-drill-*")
	if err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("create drill sandbox: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(sandboxDir); rmErr != nil {
			c.log.Warn("drill sandbox cleanup failed", "path", sandboxDir, "error", rmErr)
		}
	}()

	sandboxBlobs, err := blob.NewFilesystem(sandboxDir)
	if err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("open drill blob store: %w", err)
	}
	sandboxStore := memory.NewStore(0)
	if err := c.RestoreInto(ctx, backupID, sandboxStore, sandboxBlobs); err != nil {
		return domain.IntegrityReport{}, err
	}
	report, err := integrity.New(sandboxStore, sandboxBlobs, c.log).Run(ctx)
	if err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("drill integrity scan: %w", err)
	}
	c.log.Info("restore drill complete", "backup_id", backupID, "clean", report.Clean())
	return report, nil
}

// ListBackups returns the manifests of all valid bundles under the root,
// newest first. Bundles without a valid manifest are skipped.
func (c *Coordinator) ListBackups() ([]domain.BackupManifest, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	manifests := make([]domain.BackupManifest, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest, err := c.ReadManifest(entry.Name())
		if err != nil {
			var invalid domain.ErrManifestInvalid
			if errors.As(err, &invalid) {
				c.log.Debug("skipping invalid bundle", "backup_id", entry.Name(), "reason", invalid.Reason)
				continue
			}
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// Prune keeps the newest keep valid bundles and deletes the rest, along with
// any manifest-less leftovers from interrupted runs.
func (c *Coordinator) Prune(keep int) error {
	if keep < 0 {
		return fmt.Errorf("keep must be non-negative, got %d", keep)
	}
	manifests, err := c.ListBackups()
	if err != nil {
		return err
	}
	valid := make(map[string]bool, len(manifests))
	for i, m := range manifests {
		valid[m.BackupID] = true
		if i < keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, m.BackupID)); err != nil {
			return fmt.Errorf("prune bundle %s: %w", m.BackupID, err)
		}
		c.log.Info("pruned backup", "backup_id", m.BackupID)
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || valid[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, entry.Name())); err != nil {
			return fmt.Errorf("prune incomplete bundle %s: %w", entry.Name(), err)
		}
		c.log.Info("pruned incomplete bundle", "backup_id", entry.Name())
	}
	return nil
}

// manifestChecksum hashes the manifest serialized with an empty Checksum
// field, so the stored checksum covers every other field.
func manifestChecksum(manifest domain.BackupManifest) (string, error) {
	manifest.Checksum = ""
	body, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest for checksum: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func loadSnapshot(path string) (domain.Snapshot, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return domain.Snapshot{}, err
	}
	return snapshot, nil
}

// writeFileSync writes via temp file, fsync, and rename so a crash never
// leaves a torn file at the target path.
func writeFileSync(path string, body []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".write-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}
