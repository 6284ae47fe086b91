package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoaderReadsTemplates(t *testing.T) {
	var ctx = context.Background()
	var dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pagos.sql"), []byte("SELECT 1"), 0644))

	var loader, err = NewLoader(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })

	body, err := loader.Load(ctx, "pagos.sql")
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", body)

	_, err = loader.Load(ctx, "no_such.sql")
	require.Error(t, err)
}

func TestLoaderReloadsChangedTemplates(t *testing.T) {
	var ctx = context.Background()
	var dir = t.TempDir()
	var file = filepath.Join(dir, "pagos.sql")
	require.NoError(t, os.WriteFile(file, []byte("SELECT 1"), 0644))

	var loader, err = NewLoader(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })

	body, err := loader.Load(ctx, "pagos.sql")
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", body)

	require.NoError(t, os.WriteFile(file, []byte("SELECT 2"), 0644))

	// The watcher invalidates asynchronously.
	require.Eventually(t, func() bool {
		var body, err = loader.Load(ctx, "pagos.sql")
		return err == nil && body == "SELECT 2"
	}, 2*time.Second, 25*time.Millisecond)
}

func TestLoaderRejectsUnknownScheme(t *testing.T) {
	var _, err = NewLoader("s3://bucket/templates")
	require.Error(t, err)
}

func TestLoaderRequiresExistingRoot(t *testing.T) {
	var _, err = NewLoader(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
