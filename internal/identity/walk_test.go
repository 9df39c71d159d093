package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestWalkMACLayout(t *testing.T) {
	root := t.TempDir()
	nodeDir := filepath.Join(root, "aabbccddeeff")
	writeFile(t, filepath.Join(nodeDir, "node.info"), "node-123")
	writeFile(t, filepath.Join(nodeDir, "node.crt"), "cert")
	writeFile(t, filepath.Join(nodeDir, "node.key"), "key")
	writeFile(t, filepath.Join(nodeDir, "root.pem"), "ca")

	found := Walk([]string{root}, "", nil)

	require.Len(t, found, 1)
	assert.Equal(t, "node-123", found[0].NodeID)
	assert.Equal(t, filepath.Join(nodeDir, "root.pem"), found[0].RootCAPath)
}

func TestWalkNodeDetailsLayout(t *testing.T) {
	root := t.TempDir()
	nodeDir := filepath.Join(root, "node_details", "node-xyz-n42")
	writeFile(t, filepath.Join(nodeDir, "crt-node.crt"), "cert")
	writeFile(t, filepath.Join(nodeDir, "key-node.key"), "key")

	globalCerts := t.TempDir()
	writeFile(t, filepath.Join(globalCerts, "root.pem"), "ca")

	found := Walk([]string{root}, globalCerts, nil)

	require.Len(t, found, 1)
	assert.Equal(t, "n42", found[0].NodeID)
	assert.Equal(t, filepath.Join(nodeDir, "crt-node.crt"), found[0].CertPath)
}

func TestWalkMissingRootCAReportsAndSkips(t *testing.T) {
	root := t.TempDir()
	nodeDir := filepath.Join(root, "aabbccddeeff")
	writeFile(t, filepath.Join(nodeDir, "node.info"), "node-123")
	writeFile(t, filepath.Join(nodeDir, "node.crt"), "cert")
	writeFile(t, filepath.Join(nodeDir, "node.key"), "key")

	var missing []string
	found := Walk([]string{root}, "", func(nodeID, reason string) {
		missing = append(missing, nodeID)
	})

	assert.Empty(t, found)
	assert.Equal(t, []string{"node-123"}, missing)
}

func TestWalkIncompleteCertDirSkipped(t *testing.T) {
	root := t.TempDir()
	nodeDir := filepath.Join(root, "aabbccddeeff")
	writeFile(t, filepath.Join(nodeDir, "node.info"), "node-123")
	// no node.crt/node.key

	found := Walk([]string{root}, "", nil)
	assert.Empty(t, found)
}
