package identity

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// macDirPattern matches a 12-hex-digit MAC-address directory name (layout a).
var macDirPattern = regexp.MustCompile(`^[0-9a-fA-F]{12}$`)

// nodeDetailsPattern matches "node-*-<node_id>" directories (layout b).
var nodeDetailsPattern = regexp.MustCompile(`^node-.*-(.+)$`)

var certCandidates = []string{"node.crt", "crt-node.crt", "certificate.crt"}
var keyCandidates = []string{"node.key", "key-node.key", "private.key"}

// Walk discovers node identities under root per the two recognized layouts
// discovered by walking two directory layouts:
//
//	(a) a MAC-address directory containing node.info, node.crt, node.key
//	(b) a node_details subtree of node-*-<node_id> directories
//
// A root CA is resolved alongside the node cert, falling back to
// <globalCertsDir>/root.pem. Nodes without a resolvable root CA are
// reported via the onMissing callback and skipped — absence of any
// discoverable node at all is the caller's concern.
func Walk(roots []string, globalCertsDir string, onMissing func(nodeID, reason string)) []NodeIdentity {
	var found []NodeIdentity
	seen := make(map[string]bool)

	for _, root := range roots {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || !info.IsDir() {
				return nil
			}
			name := filepath.Base(path)

			if macDirPattern.MatchString(name) {
				if ni, ok := tryMACLayout(path); ok {
					ni.RootCAPath = resolveRootCA(path, globalCertsDir)
					if ni.RootCAPath == "" {
						if onMissing != nil {
							onMissing(ni.NodeID, "no root CA found")
						}
						return nil
					}
					if !seen[ni.NodeID] {
						seen[ni.NodeID] = true
						found = append(found, ni)
					}
				}
				return nil
			}

			if m := nodeDetailsPattern.FindStringSubmatch(name); m != nil {
				nodeID := m[1]
				if ni, ok := tryNodeDetailsLayout(path, nodeID); ok {
					ni.RootCAPath = resolveRootCA(path, globalCertsDir)
					if ni.RootCAPath == "" {
						if onMissing != nil {
							onMissing(ni.NodeID, "no root CA found")
						}
						return nil
					}
					if !seen[ni.NodeID] {
						seen[ni.NodeID] = true
						found = append(found, ni)
					}
				}
				return nil
			}

			return nil
		})
	}

	return found
}

func tryMACLayout(dir string) (NodeIdentity, bool) {
	infoPath := filepath.Join(dir, "node.info")
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return NodeIdentity{}, false
	}
	nodeID := strings.TrimSpace(string(raw))
	if nodeID == "" {
		return NodeIdentity{}, false
	}
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	if !fileExists(certPath) || !fileExists(keyPath) {
		return NodeIdentity{}, false
	}
	return NodeIdentity{NodeID: nodeID, CertPath: certPath, KeyPath: keyPath}, true
}

func tryNodeDetailsLayout(dir, nodeID string) (NodeIdentity, bool) {
	certPath := firstExisting(dir, certCandidates)
	keyPath := firstExisting(dir, keyCandidates)
	if certPath == "" || keyPath == "" {
		return NodeIdentity{}, false
	}
	return NodeIdentity{NodeID: nodeID, CertPath: certPath, KeyPath: keyPath}, true
}

func firstExisting(dir string, candidates []string) string {
	for _, c := range candidates {
		p := filepath.Join(dir, c)
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func resolveRootCA(nodeDir, globalCertsDir string) string {
	local := filepath.Join(nodeDir, "root.pem")
	if fileExists(local) {
		return local
	}
	if globalCertsDir != "" {
		global := filepath.Join(globalCertsDir, "root.pem")
		if fileExists(global) {
			return global
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
