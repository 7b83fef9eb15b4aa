package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRejectsMissingConfig(t *testing.T) {
	err := run(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "load config failed")
}

func TestRunRejectsInvalidPort(t *testing.T) {
	t.Setenv("PORT", "http")
	err := run("")
	require.ErrorContains(t, err, `invalid PORT "http"`)
}
