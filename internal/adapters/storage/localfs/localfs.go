package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"renderhub/internal/pkg/errors"
	"renderhub/internal/ports"
	"renderhub/internal/sandbox"
)

// LocalFS implements ports.StorageProvider on a directory tree. Keys that
// would resolve outside the root are rejected.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: filepath.Clean(root)}
}

func (l *LocalFS) Provider() string { return "localfs" }

// Root is the directory objects are stored under.
func (l *LocalFS) Root() string { return l.root }

// Path maps an object key to its location on disk.
func (l *LocalFS) Path(objectKey string) (string, error) {
	if objectKey == "" {
		return "", errors.InvalidInput("object key is required")
	}
	p, err := sandbox.Join(l.root, filepath.FromSlash(objectKey))
	if err != nil {
		return "", err
	}
	if p == l.root {
		return "", errors.InvalidInput("object key resolves to the storage root")
	}
	return p, nil
}

// PutObject writes through a temp file and renames it into place so readers
// never observe a partial object.
func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.Path(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, in.Reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("write object: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("chmod object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("rename object: %w", err)
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, ports.ObjectInfo, error) {
	p, err := l.Path(objectKey)
	if err != nil {
		return nil, ports.ObjectInfo{}, err
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ports.ObjectInfo{}, errors.NotFound("object", objectKey)
		}
		return nil, ports.ObjectInfo{}, err
	}

	info := ports.ObjectInfo{}
	if st, err := f.Stat(); err == nil {
		info.Size = st.Size()
	}
	if mt, err := mimetype.DetectReader(f); err == nil {
		info.ContentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, ports.ObjectInfo{}, err
	}

	return f, info, nil
}

func (l *LocalFS) DeletePrefix(ctx context.Context, prefix string) error {
	p, err := l.Path(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}
