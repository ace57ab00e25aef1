package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollback_RestoresByteIdentical(t *testing.T) {
	l, project := newTestLedger(t)
	ctx := context.Background()

	original := []byte("import { a } from 'x';\r\nconsole.log('✅ ok');\n\xff\xfe raw bytes\n")
	target := filepath.Join(project, "src", "App.tsx")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, original, 0644))

	_, err := l.Backup(ctx, "fix-1", "src/App.tsx", original, 0644)
	require.NoError(t, err)
	_, err = l.Backup(ctx, "fix-2", "src/App.tsx", []byte("intermediate"), 0644)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("mutated twice"), 0644))

	s := l.Session()
	report, err := Rollback(ctx, project, s.BackupRoot, []string{"src/App.tsx"})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, []string{"src/App.tsx"}, report.Restored)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestRollback_BestEffortWithMissingBackups(t *testing.T) {
	l, project := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(project, "a.js"), []byte("changed"), 0644))
	_, err := l.Backup(ctx, "fix-1", "a.js", []byte("orig"), 0644)
	require.NoError(t, err)

	report, err := Rollback(ctx, project, l.Session().BackupRoot, []string{"missing.js", "a.js", "../escape.js"})
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"a.js"}, report.Restored)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, "missing.js", report.Failed[0].Path)
	assert.Contains(t, report.Failed[0].Error, "no backup")

	data, err := os.ReadFile(filepath.Join(project, "a.js"))
	require.NoError(t, err)
	assert.Equal(t, "orig", string(data))
}

func TestRollback_WalksBackupTreeWhenNoList(t *testing.T) {
	l, project := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Backup(ctx, "f1", "a.js", []byte("A"), 0644)
	require.NoError(t, err)
	_, err = l.Backup(ctx, "f2", "lib/b.js", []byte("B"), 0644)
	require.NoError(t, err)

	files, err := BackedUpFiles(l.Session().BackupRoot)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js", "lib/b.js"}, files)

	report, err := Rollback(ctx, project, l.Session().BackupRoot, nil)
	require.NoError(t, err)
	assert.Len(t, report.Restored, 2)

	data, err := os.ReadFile(filepath.Join(project, "lib", "b.js"))
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))
}

func TestRollback_MissingBackupRoot(t *testing.T) {
	_, err := Rollback(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "gone"), nil)
	assert.Error(t, err)
}
