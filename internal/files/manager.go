// Package files manages the on-disk layout of designs, temp work files and
// rendered outputs. All writes go through the primary localfs store; an
// optional remote mirror receives best-effort copies.
package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"renderhub/internal/adapters/storage/localfs"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/ports"
	"renderhub/internal/sandbox"
)

// DefaultMaxUploadBytes is the design size ceiling when none is configured.
const DefaultMaxUploadBytes = 10 << 20

// AllowedDesignTypes are the MIME types accepted for uploaded designs.
var AllowedDesignTypes = []string{"image/png", "image/jpeg", "image/webp"}

var designExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".mp4":  "video/mp4",
}

// OutputType names a stored pipeline output.
type OutputType string

const (
	OutputComposited OutputType = "composited"
	OutputRendered   OutputType = "rendered"
	OutputAnimation  OutputType = "animation"
)

type Config struct {
	// TempRoot holds per-job scratch directories.
	TempRoot string
	// BaseURL is prepended to storage-relative paths to form public URLs.
	BaseURL        string
	MaxUploadBytes int64
}

type Deps struct {
	Primary *localfs.LocalFS
	// Mirror is optional.
	Mirror ports.StorageProvider
	Logger *logger.Logger
	Config Config
}

type Manager struct {
	primary  *localfs.LocalFS
	mirror   ports.StorageProvider
	log      *logger.Logger
	root     string
	tempRoot string
	baseURL  string
	maxBytes int64
}

// StoredFile describes an object written to permanent storage.
type StoredFile struct {
	Key  string
	Path string
	URL  string
	// MirrorKey is the key returned by the mirror, empty when not mirrored.
	MirrorKey string
}

func New(d Deps) (*Manager, error) {
	log := d.Logger
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Primary == nil {
		return nil, fmt.Errorf("files: primary storage is required")
	}

	root, err := filepath.Abs(d.Primary.Root())
	if err != nil {
		return nil, fmt.Errorf("files: resolve storage root: %w", err)
	}
	tempRoot, err := filepath.Abs(d.Config.TempRoot)
	if err != nil || d.Config.TempRoot == "" {
		return nil, fmt.Errorf("files: invalid temp root %q", d.Config.TempRoot)
	}
	maxBytes := d.Config.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}

	return &Manager{
		primary:  localfs.New(root),
		mirror:   d.Mirror,
		log:      log.WithComponent("files"),
		root:     root,
		tempRoot: tempRoot,
		baseURL:  strings.TrimRight(d.Config.BaseURL, "/"),
		maxBytes: maxBytes,
	}, nil
}

// Root is the absolute storage root.
func (m *Manager) Root() string { return m.root }

// ValidateUpload checks a design before anything is written: it must be
// non-empty, within the size ceiling, declared as an allowed image type, and
// its leading bytes must match the declared type.
func (m *Manager) ValidateUpload(data []byte, filename, declaredMIME string) error {
	if len(data) == 0 {
		return errors.InvalidField("design", "design file is empty")
	}
	if int64(len(data)) > m.maxBytes {
		return errors.InvalidField("design", fmt.Sprintf("design file exceeds %d bytes", m.maxBytes)).
			WithField("size", len(data))
	}

	declared := normalizeMIME(declaredMIME)
	if !slices.Contains(AllowedDesignTypes, declared) {
		return errors.InvalidField("design", "design type is not allowed").
			WithFields(map[string]any{"mime": declaredMIME, "filename": sandbox.SanitizeFilename(filename)})
	}

	detected := mimetype.Detect(data)
	if !detected.Is(declared) {
		return errors.InvalidField("design", "magic-byte mismatch").
			WithFields(map[string]any{"declared": declared, "detected": detected.String()})
	}
	return nil
}

// UploadDesign validates and stores the design as
// uploads/render-jobs/<jobID>/design.<ext>.
func (m *Manager) UploadDesign(ctx context.Context, jobID string, data []byte, filename, declaredMIME string) (StoredFile, error) {
	const op = "files.upload_design"

	if err := sandbox.ValidateJobID(jobID); err != nil {
		return StoredFile{}, err
	}
	if err := m.ValidateUpload(data, filename, declaredMIME); err != nil {
		return StoredFile{}, err
	}

	mimeType := normalizeMIME(declaredMIME)
	key := path.Join(designPrefix(jobID), "design"+designExtensions[mimeType])

	open := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }
	stored, err := m.put(ctx, key, mimeType, open, int64(len(data)))
	if err != nil {
		return StoredFile{}, errors.Wrap(err, op, "store design")
	}

	m.log.FromContext(ctx).Info("design stored",
		"job_id", jobID,
		"filename", sandbox.SanitizeFilename(filename),
		"key", key,
		"size", len(data),
	)
	return stored, nil
}

// ImportDesign copies an already stored design, addressed by its public URL,
// into the upload slot of jobID.
func (m *Manager) ImportDesign(ctx context.Context, jobID string, designURL string) (StoredFile, error) {
	const op = "files.import_design"

	key, err := m.KeyFromURL(designURL)
	if err != nil {
		return StoredFile{}, err
	}

	rc, _, err := m.primary.GetObject(ctx, key)
	if err != nil {
		return StoredFile{}, errors.Wrap(err, op, "open stored design")
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, m.maxBytes+1))
	if err != nil {
		return StoredFile{}, errors.Wrap(err, op, "read stored design")
	}

	return m.UploadDesign(ctx, jobID, data, path.Base(key), mimetype.Detect(data).String())
}

// StoreOutput moves a file produced in the job's temp dir into
// media/products/<productID>/renders/<jobID>/ under its canonical name.
func (m *Manager) StoreOutput(ctx context.Context, productID, jobID, src string, kind OutputType, angle string) (StoredFile, error) {
	const op = "files.store_output"

	if err := sandbox.ValidateID("product_id", productID); err != nil {
		return StoredFile{}, err
	}
	if err := sandbox.ValidateJobID(jobID); err != nil {
		return StoredFile{}, err
	}

	name, err := outputName(kind, angle)
	if err != nil {
		return StoredFile{}, err
	}

	// Symlinks are resolved so a link planted in the temp dir cannot pull
	// outside files into public storage.
	resolved, err := sandbox.ResolveFile(m.tempDir(jobID), src)
	if err != nil {
		return StoredFile{}, errors.Wrap(err, op, "invalid output file")
	}
	st, err := os.Stat(resolved)
	if err != nil {
		return StoredFile{}, errors.Wrap(err, op, "stat output")
	}

	key := path.Join("media", "products", productID, "renders", jobID, name)
	open := func() (io.ReadCloser, error) { return os.Open(resolved) }
	stored, err := m.put(ctx, key, contentTypes[path.Ext(name)], open, st.Size())
	if err != nil {
		return StoredFile{}, errors.Wrap(err, op, "store output")
	}
	return stored, nil
}

// CreateTempDir creates (if needed) and returns the scratch dir for jobID.
func (m *Manager) CreateTempDir(jobID string) (string, error) {
	if err := sandbox.ValidateJobID(jobID); err != nil {
		return "", err
	}
	dir := m.tempDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "files.create_temp_dir", "create temp dir")
	}
	return dir, nil
}

// TempFilePath returns a path for name inside the job's scratch dir.
func (m *Manager) TempFilePath(jobID, name string) (string, error) {
	if err := sandbox.ValidateJobID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(m.tempDir(jobID), sandbox.SanitizeFilename(name)), nil
}

// Cleanup removes the job's uploads and scratch files. Failures are logged.
func (m *Manager) Cleanup(ctx context.Context, jobID string) {
	if err := sandbox.ValidateJobID(jobID); err != nil {
		m.log.FromContext(ctx).Warn("cleanup skipped for invalid job id", "job_id", jobID)
		return
	}

	prefix := designPrefix(jobID)
	if err := m.primary.DeletePrefix(ctx, prefix); err != nil {
		m.log.FromContext(ctx).Warn("failed to remove uploads", "job_id", jobID, "error", err.Error())
	}
	if m.mirror != nil {
		if err := m.mirror.DeletePrefix(ctx, prefix); err != nil {
			m.log.FromContext(ctx).Warn("failed to remove mirrored uploads",
				"job_id", jobID,
				"mirror", m.mirror.Provider(),
				"error", err.Error(),
			)
		}
	}
	m.CleanupTemp(ctx, jobID)
}

// CleanupTemp removes the job's scratch dir. Failures are logged.
func (m *Manager) CleanupTemp(ctx context.Context, jobID string) {
	if err := sandbox.ValidateJobID(jobID); err != nil {
		return
	}
	if err := os.RemoveAll(m.tempDir(jobID)); err != nil {
		m.log.FromContext(ctx).Warn("failed to remove temp dir", "job_id", jobID, "error", err.Error())
	}
}

// PublicURL maps a file under the storage root to its public URL.
func (m *Manager) PublicURL(p string) (string, error) {
	if !sandbox.Within(m.root, p) {
		return "", errors.InvalidInput("path is outside the storage root").WithField("path", p)
	}
	rel, err := filepath.Rel(m.root, filepath.Clean(p))
	if err != nil || rel == "." {
		return "", errors.InvalidInput("path does not name a stored file").WithField("path", p)
	}
	return m.baseURL + "/" + filepath.ToSlash(rel), nil
}

// KeyFromURL maps a public URL back to its storage key.
func (m *Manager) KeyFromURL(u string) (string, error) {
	prefix := m.baseURL + "/"
	if !strings.HasPrefix(u, prefix) {
		return "", errors.InvalidInput("url is not served from this storage").WithField("url", u)
	}
	key := strings.TrimPrefix(u, prefix)
	if key == "" || strings.Contains(key, "\\") {
		return "", errors.InvalidInput("url does not name a stored file").WithField("url", u)
	}
	if _, err := m.primary.Path(key); err != nil {
		return "", err
	}
	return key, nil
}

// PathFromURL maps a public URL back to the file on disk.
func (m *Manager) PathFromURL(u string) (string, error) {
	key, err := m.KeyFromURL(u)
	if err != nil {
		return "", err
	}
	return m.primary.Path(key)
}

func (m *Manager) put(ctx context.Context, key, contentType string, open func() (io.ReadCloser, error), size int64) (StoredFile, error) {
	r, err := open()
	if err != nil {
		return StoredFile{}, err
	}
	out, err := m.primary.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: contentType,
		Reader:      r,
		Size:        size,
	})
	r.Close()
	if err != nil {
		return StoredFile{}, err
	}

	p, err := m.primary.Path(out.ObjectKey)
	if err != nil {
		return StoredFile{}, err
	}
	url, err := m.PublicURL(p)
	if err != nil {
		return StoredFile{}, err
	}

	stored := StoredFile{Key: out.ObjectKey, Path: p, URL: url}
	if m.mirror == nil {
		return stored, nil
	}

	mirrored, err := m.mirrorPut(ctx, key, contentType, open, size)
	if err != nil {
		m.log.FromContext(ctx).Warn("mirror upload failed",
			"key", key,
			"mirror", m.mirror.Provider(),
			"error", err.Error(),
		)
		return stored, nil
	}
	stored.MirrorKey = mirrored.ObjectKey
	return stored, nil
}

func (m *Manager) tempDir(jobID string) string {
	return filepath.Join(m.tempRoot, "render-jobs", jobID)
}

func designPrefix(jobID string) string {
	return path.Join("uploads", "render-jobs", jobID)
}

func outputName(kind OutputType, angle string) (string, error) {
	switch kind {
	case OutputComposited:
		return "composited.png", nil
	case OutputRendered:
		if angle == "" {
			return "rendered.png", nil
		}
		a := strings.TrimSuffix(sandbox.SanitizeFilename(angle), ".png")
		return "rendered-" + strings.ReplaceAll(a, ".", "_") + ".png", nil
	case OutputAnimation:
		return "animation.mp4", nil
	default:
		return "", errors.InvalidField("output_type", "unknown output type").WithField("output_type", string(kind))
	}
}

func normalizeMIME(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "image/jpg" {
		return "image/jpeg"
	}
	return s
}

func (m *Manager) mirrorPut(ctx context.Context, key, contentType string, open func() (io.ReadCloser, error), size int64) (ports.PutObjectOutput, error) {
	r, err := open()
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	defer r.Close()
	return m.mirror.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: contentType,
		Reader:      r,
		Size:        size,
	})
}
