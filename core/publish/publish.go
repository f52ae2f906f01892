// Package publish makes a finished report reachable by URL.
package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/createrken-code/nippo-shokuninn/core/config"
)

const (
	component = "publish"
	pdfType   = "application/pdf"
)

// Publisher uploads the file at path and returns a link the user can open.
type Publisher interface {
	Publish(ctx context.Context, path string) (string, error)
	Name() string
}

// Backend names accepted by New.
const (
	BackendDrive = "drive"
	BackendS3    = "s3"
	BackendLocal = "local"
)

// New builds the publisher selected by cfg. publicBaseURL is used by the local backend.
func New(ctx context.Context, cfg config.StorageConfig, publicBaseURL string) (Publisher, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendDrive:
		return NewDrive(ctx, cfg.Drive)
	case BackendS3:
		return NewS3(cfg.S3)
	case "", BackendLocal:
		return NewLocal(cfg.Local.Dir, publicBaseURL)
	default:
		return nil, fmt.Errorf("publish: unknown backend %q", cfg.Backend)
	}
}
