package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/createrken-code/nippo-shokuninn/core/config"
)

// Drive uploads reports with a service account and shares them by link.
type Drive struct {
	files    *drive.FilesService
	perms    *drive.PermissionsService
	folderID string
}

// NewDrive authenticates with the service-account file or inline JSON from cfg.
func NewDrive(ctx context.Context, cfg config.DriveConfig) (*Drive, error) {
	opts := []option.ClientOption{option.WithScopes(drive.DriveFileScope)}
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("publish: drive credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	default:
		return nil, fmt.Errorf("publish: drive backend requires service account credentials")
	}

	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("publish: init drive service: %w", err)
	}
	return &Drive{files: srv.Files, perms: srv.Permissions, folderID: strings.TrimSpace(cfg.FolderID)}, nil
}

// Name implements Publisher.
func (d *Drive) Name() string { return BackendDrive }

// Publish uploads the PDF, grants anyone-with-link read access and returns its view link.
func (d *Drive) Publish(ctx context.Context, path string) (string, error) {
	name := filepath.Base(path)
	errb := oops.Code("report_publish").With("backend", BackendDrive, "file", name)

	f, err := os.Open(path)
	if err != nil {
		return "", errb.Wrap(err)
	}
	defer f.Close()

	meta := &drive.File{Name: name, MimeType: pdfType}
	if d.folderID != "" {
		meta.Parents = []string{d.folderID}
	}
	created, err := d.files.Create(meta).
		Media(f, googleapi.ContentType(pdfType)).
		Fields("id").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", errb.Wrapf(err, "upload report")
	}

	_, err = d.perms.Create(created.Id, &drive.Permission{Role: "reader", Type: "anyone"}).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", errb.With("file_id", created.Id).Wrapf(err, "share report")
	}

	got, err := d.files.Get(created.Id).
		Fields("webViewLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", errb.With("file_id", created.Id).Wrapf(err, "fetch report link")
	}
	return got.WebViewLink, nil
}
