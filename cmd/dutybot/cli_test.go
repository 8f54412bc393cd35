package main

import (
	"bytes"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutybot/internal/app"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "commit:")
}

func TestCheckCommandRejectsRuns(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"check", "-n", "0"})
	require.ErrorContains(t, cmd.Execute(), "--runs")
}

func TestCheckCommandMissingConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"check", "-c", "/does/not/exist.yaml"})
	require.Error(t, cmd.Execute())
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, app.StopSIGINT, stopReason(os.Interrupt))
	assert.Equal(t, app.StopSIGTERM, stopReason(syscall.SIGTERM))
	assert.Equal(t, app.StopUnknown, stopReason(syscall.SIGHUP))
}
