// Package remote mirrors backup snapshots to Google Cloud Storage.
//
// Mirroring is strictly optional: a configured mirror gives an off-host
// copy of each database backup, but any failure here is reported to the
// caller to log and move on. An update never fails because its backup
// could not be mirrored.
package remote

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"

	"github.com/elementalcollision/GraphMemory-IDE-sub006/pkg/logging"
)

// ErrInvalidConfig is returned when MirrorConfig is invalid.
var ErrInvalidConfig = errors.New("invalid mirror configuration")

// MirrorConfig configures the GCS backup mirror.
type MirrorConfig struct {
	// Bucket is the destination bucket name. Required.
	Bucket string

	// Prefix is prepended to object names.
	// Default: "gmcli-backups"
	Prefix string

	// Timeout bounds each upload.
	// Default: 5 minutes
	Timeout time.Duration
}

// DefaultMirrorConfig returns defaults for everything but the bucket.
func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		Prefix:  "gmcli-backups",
		Timeout: 5 * time.Minute,
	}
}

// Mirror uploads backup snapshots off-host.
type Mirror interface {
	// MirrorBackup archives the backup directory and uploads it as
	// <prefix>/<backupId>.tar.gz.
	MirrorBackup(ctx context.Context, backupID, dir string) error

	// Close releases the underlying client.
	Close() error
}

// GCSMirror implements Mirror against Google Cloud Storage using ambient
// application-default credentials.
type GCSMirror struct {
	cfg    MirrorConfig
	client *storage.Client
	log    *logging.Logger
}

var _ Mirror = (*GCSMirror)(nil)

// NewGCSMirror creates a mirror. Credential resolution follows the
// standard application-default chain.
func NewGCSMirror(ctx context.Context, cfg MirrorConfig, log *logging.Logger) (*GCSMirror, error) {
	def := DefaultMirrorConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: Bucket is required", ErrInvalidConfig)
	}
	if log == nil {
		log = logging.NewNop()
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSMirror{cfg: cfg, client: client, log: log}, nil
}

// MirrorBackup streams a tar.gz of the backup directory into the bucket.
func (m *GCSMirror) MirrorBackup(ctx context.Context, backupID, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	object := m.cfg.Prefix + "/" + backupID + ".tar.gz"
	w := m.client.Bucket(m.cfg.Bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/gzip"

	if err := writeArchive(w, dir); err != nil {
		w.Close()
		return fmt.Errorf("archive backup %s: %w", backupID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload backup %s to gs://%s/%s: %w", backupID, m.cfg.Bucket, object, err)
	}

	m.log.Info("backup mirrored", "backupId", backupID,
		"bucket", m.cfg.Bucket, "object", object)
	return nil
}

// Close releases the storage client.
func (m *GCSMirror) Close() error { return m.client.Close() }

// writeArchive writes dir as a gzipped tarball, paths relative to dir.
func writeArchive(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
