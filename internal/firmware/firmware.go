// Package firmware models extracted vendor firmware content as artifacts the
// injection pipeline owns for the duration of a run. Artifacts are never
// mutated, only copied into derived build modules or output trees.
package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Artifact is one firmware-derived file.
type Artifact struct {
	// RelativePath is the slash-separated path inside the firmware image,
	// e.g. "vendor/lib64/libfoo.so".
	RelativePath string
	// Path is the absolute location of the extracted file on disk.
	Path string
	// OriginPartition is the firmware partition the file came from.
	OriginPartition string
	// SHA256 is the hex digest of the file content.
	SHA256 string
	// Size is the file size in bytes.
	Size int64
}

// Name returns the artifact's base file name.
func (a *Artifact) Name() string {
	return filepath.Base(a.RelativePath)
}

// ScanDir walks an extracted firmware tree and returns its artifacts ordered
// by relative path. The first path element is taken as the origin partition.
// Symlinks are skipped; the pipeline only injects regular files.
func ScanDir(root string) ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		digest, err := fileSHA256(p)
		if err != nil {
			return fmt.Errorf("hashing %v: %w", rel, err)
		}
		artifacts = append(artifacts, Artifact{
			RelativePath:    rel,
			Path:            p,
			OriginPartition: partitionOf(rel),
			SHA256:          digest,
			Size:            info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning firmware dir %v: %w", root, err)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].RelativePath < artifacts[j].RelativePath
	})
	log.WithFields(log.Fields{"dir": root, "artifacts": len(artifacts)}).Debug("scanned firmware tree")
	return artifacts, nil
}

// TotalSize sums the byte size of all artifacts.
func TotalSize(artifacts []Artifact) int64 {
	var total int64
	for i := range artifacts {
		total += artifacts[i].Size
	}
	return total
}

// IsELF reports whether the file begins with the ELF magic.
func IsELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() {
		_ = f.Close()
	}()
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return string(magic) == "\x7fELF"
}

func partitionOf(rel string) string {
	if i := strings.Index(rel, "/"); i > 0 {
		return rel[:i]
	}
	return ""
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
