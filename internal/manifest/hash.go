package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// HashAlgorithm tags every content hash this package produces.
const HashAlgorithm = "sha256"

// CalculateHash computes the content hash over the manifest-declared
// file set. The digest is deterministic: file paths are sorted, and
// each file contributes its slash-separated relative path and bytes,
// NUL-delimited so path/content boundaries cannot be confused. Any
// byte change in any covered file changes the hash.
func CalculateHash(dir string, m *Manifest) (string, error) {
	files := m.HashFileSet()
	if len(files) == 0 {
		return "", fmt.Errorf("manifest declares no hashable files")
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}

	return fmt.Sprintf("%s:%s", HashAlgorithm, hex.EncodeToString(h.Sum(nil))), nil
}
