package cryptofs

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"unicode/utf8"
)

// maxConflictAttempts bounds the search for a free alternative name
const maxConflictAttempts = 100

// ResolveConflict repairs a node whose name was changed by a sync client,
// e.g. "<ciphertext> (1).c9r". The node is renamed to its canonical name
// when that name is free, otherwise to the ciphertext of an alternative
// cleartext name such as "report (Conflict 1).txt". Deflated nodes and
// read-only mounts are left alone.
func (m *DirIDPathMapper) ResolveConflict(dir CiphertextDirectory, p ProcessedPaths) (ProcessedPaths, error) {
	if m.readonly || p.CiphertextPath != p.InflatedPath {
		return p, nil
	}
	stem, ok := strings.CutSuffix(path.Base(p.InflatedPath), encryptedNodeSuffix)
	if !ok {
		return p, nil
	}
	canonical := canonicalCiphertextName(stem)
	if canonical == stem || canonical == "" {
		return p, nil
	}
	cleartextName, err := m.names.DecryptFilename(canonical, dir.DirID)
	if err != nil {
		// not a conflict copy of one of our nodes
		return p, nil
	}

	t, err := m.nodeType(p.CiphertextPath)
	if err != nil {
		return p, err
	}
	src := ciphertextNode{Path: p.CiphertextPath}

	canonicalPath := path.Join(dir.Path, canonical+encryptedNodeSuffix)
	if _, err := m.base.Stat(canonicalPath); errors.Is(err, fs.ErrNotExist) {
		if err := m.moveNode(src, ciphertextNode{Path: canonicalPath}, t); err != nil {
			return p, err
		}
		m.logger().Info("renamed conflicting node to its canonical name", "from", p.CiphertextPath, "to", canonicalPath)
		return ProcessedPaths{CiphertextPath: canonicalPath, InflatedPath: canonicalPath}, nil
	}

	for i := 1; i <= maxConflictAttempts; i++ {
		alt := conflictName(cleartextName, i, m.maxName)
		dst, err := m.nodeIn(dir, alt)
		if err != nil {
			return p, err
		}
		if _, err := m.base.Stat(dst.Path); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := m.moveNode(src, dst, t); err != nil {
			return p, err
		}
		m.logger().Info("renamed conflicting node", "from", p.CiphertextPath, "name", alt)

		inflated := dst.Path
		if dst.Deflated != nil {
			inflated = path.Join(dir.Path, dst.Deflated.LongName)
		}
		return ProcessedPaths{CiphertextPath: dst.Path, InflatedPath: inflated}, nil
	}
	return p, fmt.Errorf("no free alternative name for %q after %d attempts", cleartextName, maxConflictAttempts)
}

// canonicalCiphertextName returns the leading run of base64url characters
func canonicalCiphertextName(stem string) string {
	end := strings.IndexFunc(stem, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	})
	if end < 0 {
		return stem
	}
	return stem[:end]
}

// conflictName builds "base (Conflict n).ext", shortening base to fit maxLen
func conflictName(name string, n, maxLen int) string {
	ext := path.Ext(name)
	if ext == name {
		ext = ""
	}
	base := strings.TrimSuffix(name, ext)
	suffix := fmt.Sprintf(" (Conflict %d)", n)
	if over := len(base) + len(suffix) + len(ext) - maxLen; over > 0 {
		base = base[:max(0, len(base)-over)]
		for base != "" && !utf8.ValidString(base) {
			base = base[:len(base)-1]
		}
	}
	return base + suffix + ext
}
