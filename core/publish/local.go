package publish

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
)

// DownloadPrefix is the HTTP route under which local reports are served.
const DownloadPrefix = "/download/"

// Local copies reports into a directory served by the HTTP server.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates dir if needed.
func NewLocal(dir, baseURL string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("publish: local download dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("publish: create download dir: %w", err)
	}
	return &Local{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Name implements Publisher.
func (l *Local) Name() string { return BackendLocal }

// Dir is the directory the download route serves from.
func (l *Local) Dir() string { return l.dir }

// Retains reports whether path is the file served for it, so it must stay on disk.
func (l *Local) Retains(path string) bool {
	same, err := samePath(path, filepath.Join(l.dir, filepath.Base(path)))
	return err == nil && same
}

// Publish implements Publisher.
func (l *Local) Publish(ctx context.Context, path string) (string, error) {
	name := filepath.Base(path)
	errb := oops.Code("report_publish").With("backend", BackendLocal, "file", name)
	if err := ctx.Err(); err != nil {
		return "", errb.Wrap(err)
	}

	dst := filepath.Join(l.dir, name)
	same, err := samePath(path, dst)
	if err != nil {
		return "", errb.Wrap(err)
	}
	if !same {
		if err := copyFile(path, dst); err != nil {
			return "", errb.Wrapf(err, "copy report")
		}
	}
	return l.baseURL + DownloadPrefix + url.PathEscape(name), nil
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return absA == absB, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
