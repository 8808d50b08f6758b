// Package aosptree models an AOSP source checkout as an explicit handle. The
// checkout is an external mutable resource; injection into it is not
// reversible without a fresh checkout, so callers must provide a pristine
// tree per run and disjoint trees for concurrent runs.
package aosptree

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	// InjectDir is the tree-relative directory all synthesized modules are
	// written under.
	InjectDir = "packages/modules/rehosted"

	boardConfigPath    = "build/make/target/board/BoardConfigEmuCommon.mk"
	boardConfigGsiPath = "build/make/target/board/BoardConfigGsiCommon.mk"

	basePartitionSize = 4 << 30  // 4GiB
	partitionSizeStep = 64 << 30 // grow in 64GiB steps
	partitionHeadroom = 10 << 30
	superPartitionPad = 8 << 20
)

var (
	// ErrNoCheckout is returned when the tree root does not look like an
	// AOSP checkout
	ErrNoCheckout = errors.New("path is not an AOSP checkout")
)

// Tree is a handle to one AOSP checkout: the root path plus a checkout
// identity token so independent runs can be told apart in logs and run
// records.
type Tree struct {
	Root       string
	CheckoutID string
}

// Open validates the root path and returns a tree handle.
func Open(root, checkoutID string) (*Tree, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %v", ErrNoCheckout, root)
	}
	if _, err := os.Stat(filepath.Join(root, "build")); err != nil {
		return nil, fmt.Errorf("%w: %v has no build/ directory", ErrNoCheckout, root)
	}
	return &Tree{Root: root, CheckoutID: checkoutID}, nil
}

// Abs converts a tree-relative path to an absolute one.
func (t *Tree) Abs(rel string) string {
	return filepath.Join(t.Root, filepath.FromSlash(rel))
}

// Contains reports whether the tree already has a file at the given
// tree-relative path.
func (t *Tree) Contains(rel string) bool {
	_, err := os.Stat(t.Abs(rel))
	return err == nil
}

// ContainsLibrary reports whether a shared library with the given base name
// exists in any of the tree's conventional library directories. Used to
// decide whether a dependency closure member is already satisfied by the
// base image.
func (t *Tree) ContainsLibrary(name string) bool {
	for _, dir := range []string{
		"system/lib64", "system/lib",
		"vendor/lib64", "vendor/lib",
		"prebuilts/vndk",
	} {
		if t.Contains(dirJoin(dir, name)) {
			return true
		}
	}
	return false
}

// EnsurePartitionCapacity rewrites the board config partition size variables
// so the dynamic partition can hold payloadBytes of injected content. AOSP 14
// and later size the GSI board config instead of the emulator one.
func (t *Tree) EnsurePartitionCapacity(payloadBytes int64, androidVersion int) error {
	dynamicSize := int64(basePartitionSize)
	for dynamicSize < payloadBytes+partitionHeadroom {
		dynamicSize += partitionSizeStep
	}
	superSize := dynamicSize + superPartitionPad

	cfgRel := boardConfigPath
	dynamicVar := "BOARD_EMULATOR_DYNAMIC_PARTITIONS_SIZE"
	if androidVersion >= 14 {
		cfgRel = boardConfigGsiPath
		dynamicVar = "BOARD_GSI_DYNAMIC_PARTITIONS_SIZE"
	}

	cfgPath := t.Abs(cfgRel)
	raw, err := ioutil.ReadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("reading board config: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	for i, line := range lines {
		switch {
		case strings.Contains(line, "BOARD_SUPER_PARTITION_SIZE"):
			lines[i] = fmt.Sprintf("  BOARD_SUPER_PARTITION_SIZE := %d", superSize)
		case strings.Contains(line, dynamicVar):
			lines[i] = fmt.Sprintf("  %v := %d", dynamicVar, dynamicSize)
		}
	}

	if err := ioutil.WriteFile(cfgPath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("writing board config: %w", err)
	}
	log.WithFields(log.Fields{
		"checkout":      t.CheckoutID,
		"dynamic_size":  dynamicSize,
		"super_size":    superSize,
		"payload_bytes": payloadBytes,
		"board_config":  cfgRel,
	}).Debug("adjusted partition sizes for injected payload")
	return nil
}

// Reset removes every synthesized module from the tree's inject directory.
func (t *Tree) Reset() error {
	dir := t.Abs(InjectDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing injected modules: %w", err)
	}
	log.WithField("checkout", t.CheckoutID).Infof("removed injected modules under %v", InjectDir)
	return nil
}

func dirJoin(dir, name string) string {
	return dir + "/" + name
}
