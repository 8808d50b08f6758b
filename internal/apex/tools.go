package apex

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// hostToolDirs are the known locations of the checkout's host tools,
// relative to the tree root.
var hostToolDirs = []string{
	"out/soong/host/linux-x86/bin",
	"out/host/linux-x86/bin",
}

// HostTools drives the AOSP host binaries (deapexer, apexer, apksigner)
// built by the checkout. Implements PayloadCodec and Signer.
type HostTools struct {
	// TreeRoot is the AOSP checkout whose out/ directory holds the tools.
	TreeRoot string
	// KeyPath and CertPath are the signing key pair handed to apksigner.
	KeyPath  string
	CertPath string
}

// Extract runs deapexer to unpack the payload filesystem image.
func (h *HostTools) Extract(ctx context.Context, imagePath, destDir string) error {
	tool, err := h.lookup("deapexer")
	if err != nil {
		return err
	}
	return runTool(ctx, h.TreeRoot, tool, "extract", imagePath, destDir)
}

// Build runs apexer to rebuild the payload filesystem image from srcDir.
func (h *HostTools) Build(ctx context.Context, srcDir, imagePath string) error {
	tool, err := h.lookup("apexer")
	if err != nil {
		return err
	}
	toolPath := ""
	for _, dir := range hostToolDirs {
		toolPath += filepath.Join(h.TreeRoot, dir) + ":"
	}
	return runTool(ctx, h.TreeRoot, tool,
		"--verbose",
		"--force",
		"--payload_only",
		"--apexer_tool_path="+toolPath,
		srcDir, imagePath)
}

// Sign runs apksigner over the container zip in place.
func (h *HostTools) Sign(ctx context.Context, containerPath string) error {
	tool, err := h.lookup("apksigner")
	if err != nil {
		return err
	}
	return runTool(ctx, h.TreeRoot, tool, "sign",
		"--key", h.KeyPath,
		"--cert", h.CertPath,
		"--v2-signing-enabled", "true",
		"--v3-signing-enabled", "true",
		"--verbose",
		"--in", containerPath,
		"--out", containerPath)
}

// lookup finds a host tool in the known out/ locations.
func (h *HostTools) lookup(name string) (string, error) {
	for _, dir := range hostToolDirs {
		candidate := filepath.Join(h.TreeRoot, dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("host tool %v not found under %v, build it first (m %v)", name, h.TreeRoot, name)
}

func runTool(ctx context.Context, dir, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	log.WithFields(log.Fields{
		"tool": filepath.Base(tool),
		"args": args,
	}).Debug("running apex host tool")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v failed: %v: %v", filepath.Base(tool), err, output.String())
	}
	return nil
}
