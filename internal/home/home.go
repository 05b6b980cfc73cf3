package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the docket home directory.
	DefaultDirName = ".docket"

	// SpoolDirName is the subdirectory holding attached document payloads.
	SpoolDirName = "spool"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the docket home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.docket).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// SpoolDir returns the path to the spool directory.
func (d *Dir) SpoolDir() string {
	return filepath.Join(d.path, SpoolDirName)
}

// BatchSpoolDir returns the spool directory for a single batch.
func (d *Dir) BatchSpoolDir(batchID string) string {
	return filepath.Join(d.SpoolDir(), batchID)
}

// DocumentSpoolPath returns the spool path for a document payload.
// The stored name is the document id plus the original extension, so
// spool files never collide however the uploads were named.
func (d *Dir) DocumentSpoolPath(batchID, documentID, fileName string) string {
	return filepath.Join(d.BatchSpoolDir(batchID), documentID+filepath.Ext(fileName))
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	// Create spool directory (this also creates the parent)
	if err := os.MkdirAll(d.SpoolDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	return nil
}

// EnsureBatchSpoolDir creates the spool directory for a batch.
func (d *Dir) EnsureBatchSpoolDir(batchID string) error {
	return os.MkdirAll(d.BatchSpoolDir(batchID), 0o755)
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
