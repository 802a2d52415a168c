package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "watchlink.json"), []byte("{}"), 0644))
	// a directory with the same name must not match
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "watchlink.json"), 0755))

	p, err := FindUp("watchlink.json", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "watchlink.json"), p)

	p, err = FindUp("does-not-exist.json", nested)
	require.NoError(t, err)
	assert.Equal(t, "", p)
}
