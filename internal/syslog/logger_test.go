package syslog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEntryFields(t *testing.T) {
	var buf bytes.Buffer
	L.SetOutput(&buf)

	L.Error(errors.New("boom")).WithMessage("failed").WithField("backupId", 7).Write()

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"backupId":7`)
	assert.Contains(t, out, `"message":"failed"`)
}

func TestOperationLoggerMirrorsJobEntries(t *testing.T) {
	var buf bytes.Buffer
	L.SetOutput(&buf)
	SetOperationLogDir(t.TempDir())

	opLogger := CreateOperationLogger("task-1")
	require.NotNil(t, opLogger)
	assert.Same(t, opLogger, GetOperationLogger("task-1"))

	L.Info().WithMessage("hello").WithJob("task-1").Write()
	L.Info().WithMessage("other").WithJob("task-2").Write()

	require.NoError(t, opLogger.Close())
	assert.Nil(t, GetOperationLogger("task-1"))

	content, err := os.ReadFile(opLogger.Path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "[info]: hello")
	assert.NotContains(t, string(content), "other")
	assert.Contains(t, buf.String(), `"jobId":"task-1"`)
}

func TestPurgeOperationLogs(t *testing.T) {
	dir := t.TempDir()
	SetOperationLogDir(dir)

	stale := filepath.Join(dir, "operation-old.log")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	active := CreateOperationLogger("active")
	require.NotNil(t, active)
	defer active.Close()
	require.NoError(t, os.Chtimes(active.Path, old, old))

	removed, err := PurgeOperationLogs(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(active.Path)
	assert.NoError(t, err)
}
