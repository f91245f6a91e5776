package cmd

import (
	"io"
	"os"
	"testing"

	"github.com/ajmoreau/wavelength/wavelength"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := wavelength.Version
	originalCommitSHA := wavelength.CommitSHA
	originalBuildTime := wavelength.BuildTime

	t.Cleanup(
		func() {
			wavelength.Version = originalVersion
			wavelength.CommitSHA = originalCommitSHA
			wavelength.BuildTime = originalBuildTime
		},
	)

	wavelength.Version = "1.0.0"
	wavelength.CommitSHA = "abc123"
	wavelength.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	assert.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	assert.NoError(t, err)

	assert.Equal(
		t,
		"version=1.0.0 commit=abc123 built: 2023-10-01T12:00:00Z",
		string(out),
	)
}
