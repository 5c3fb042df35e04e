// Package storage keeps the input files jobs and subscriptions read from.
// Uploaded inputs live at <root>/uploads/<job>.csv; subscription inputs at
// <root>/subscriptions/<subscription>.csv. Each job gets its own copy so a
// later edit to a subscription never changes what an earlier job retries.
package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/teranos/digest/am"
	"github.com/teranos/digest/errors"
)

const (
	uploadsDir       = "uploads"
	subscriptionsDir = "subscriptions"
)

// Files is a directory-backed input store
type Files struct {
	root string
}

// NewFiles creates the store and its directories
func NewFiles(root string) (*Files, error) {
	for _, dir := range []string{uploadsDir, subscriptionsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), am.DefaultDirPermissions); err != nil {
			return nil, errors.Wrapf(err, "failed to create storage directory %s", dir)
		}
	}
	return &Files{root: root}, nil
}

// UploadPath is where a job's input lives
func (f *Files) UploadPath(jobID string) string {
	return filepath.Join(f.root, uploadsDir, jobID+".csv")
}

// SubscriptionPath is where a subscription's input lives
func (f *Files) SubscriptionPath(subscriptionID string) string {
	return filepath.Join(f.root, subscriptionsDir, subscriptionID+".csv")
}

// SaveUpload writes r as the input of jobID
func (f *Files) SaveUpload(jobID string, r io.Reader) (string, error) {
	if err := checkID(jobID); err != nil {
		return "", err
	}
	return write(f.UploadPath(jobID), r)
}

// SaveSubscriptionInput writes r as the input of a subscription
func (f *Files) SaveSubscriptionInput(subscriptionID string, r io.Reader) (string, error) {
	if err := checkID(subscriptionID); err != nil {
		return "", err
	}
	return write(f.SubscriptionPath(subscriptionID), r)
}

// CopyToUpload copies an existing input (a subscription's) to jobID's upload slot
func (f *Files) CopyToUpload(jobID, src string) (string, error) {
	if err := checkID(jobID); err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open input %s", src)
	}
	defer in.Close()
	return write(f.UploadPath(jobID), in)
}

// Remove deletes a stored file; a missing file is not an error
func (f *Files) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %s", path)
	}
	return nil
}

// write goes through a temp file so readers never see a partial input
func write(path string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "failed to write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close %s", path)
	}
	if err := os.Chmod(tmp.Name(), am.DefaultFilePermissions); err != nil {
		return "", errors.Wrapf(err, "failed to chmod %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrapf(err, "failed to move %s into place", path)
	}
	return path, nil
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return errors.NewInvalidRequestError("invalid storage id %q", id)
	}
	return nil
}
