// Package injector writes firmware-derived content into an AOSP checkout
// before compilation and into the build output tree after compilation,
// following the rules of an injection strategy.
package injector

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/firmwaredroid/rehoster/internal/firmware"
)

var (
	// ErrInjection is returned for path collisions under the fail policy and
	// for missing source artifacts; it is fatal to the phase that raised it.
	ErrInjection = errors.New("injection error")
)

// Module is a synthesized build module: one or more firmware artifacts plus
// the generated build descriptor that makes the AOSP build pick them up. Once
// written, the tree itself is the source of truth and the Module value is
// only kept for reporting.
type Module struct {
	Name           string
	ModuleType     string
	Dir            string
	Files          []firmware.Artifact
	Descriptor     string
	UnresolvedDeps []string
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func logReplaced(path string) {
	log.WithField("path", path).Info("replaced existing file per overwrite policy")
}

func missingSource(a *firmware.Artifact) error {
	return fmt.Errorf("%w: source artifact missing on disk: %v", ErrInjection, a.Path)
}
