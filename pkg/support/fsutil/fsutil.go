// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", filePath)
}

// ExpandPath replaces a leading "~" or "~user" by the home directory, and cleans the result.
// Empty paths are returned unchanged.
func ExpandPath(filePath string) (string, error) {
	if filePath == "" {
		return filePath, nil
	}
	if filePath[0] != '~' {
		return filepath.Clean(filePath), nil
	}
	userName, rest, _ := strings.Cut(filePath[1:], "/")
	var homeDir string
	if userName == "" {
		var err error
		homeDir, err = os.UserHomeDir()
		if err != nil {
			return "", errors.Wrapf(err, "failed to find home directory for path %q", filePath)
		}
	} else {
		usr, err := user.Lookup(userName)
		if err != nil {
			return "", errors.Wrapf(err, "failed to lookup home directory of user %q in path %q", userName, filePath)
		}
		homeDir = usr.HomeDir
	}
	return filepath.Join(homeDir, rest), nil
}

// ExistingFile expands filePath (see ExpandPath) and returns an error if it doesn't exist.
func ExistingFile(filePath string) (string, error) {
	expanded, err := ExpandPath(filePath)
	if err != nil {
		return "", err
	}
	exists, err := FileExists(expanded)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Errorf("file %q not found", filePath)
	}
	return expanded, nil
}
