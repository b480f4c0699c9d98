// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	home := must.M1(os.UserHomeDir())
	assert.Equal(t, home, must.M1(ExpandPath("~")))
	assert.Equal(t, filepath.Join(home, "models/a.json"), must.M1(ExpandPath("~/models/a.json")))
	assert.Equal(t, "models/a.json", must.M1(ExpandPath("models/./a.json")))
	assert.Equal(t, "", must.M1(ExpandPath("")))
	_, err := ExpandPath("~no_such_user_for_quantsim/x")
	assert.Error(t, err)
}

func TestExistingFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "a.json")
	_, err := ExistingFile(filePath)
	assert.ErrorContains(t, err, "not found")
	require.NoError(t, os.WriteFile(filePath, []byte("{}"), 0o644))
	assert.Equal(t, filePath, must.M1(ExistingFile(filePath)))
	assert.True(t, must.M1(FileExists(dir)))
}
