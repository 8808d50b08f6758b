// Package builddriver invokes the AOSP build system as a monitored child
// process and reports status, duration and the log file location.
package builddriver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/firmwaredroid/rehoster/internal/aosptree"
)

const (
	// DefaultTimeout bounds a full AOSP build. Builds past this point are
	// almost always wedged, not slow.
	DefaultTimeout = 6 * time.Hour

	// StatusSuccess is the result status of a clean build.
	StatusSuccess = "success"
	// StatusFailure is the result status of a non-zero exit or timeout.
	StatusFailure = "failure"

	// ReasonTimeout is the failure reason for a forcibly terminated build.
	ReasonTimeout = "timeout"
)

var (
	// ErrBuildFailure is returned when the build exits non-zero. Never
	// retried automatically; retries are an operator decision.
	ErrBuildFailure = errors.New("build failure")
	// ErrBuildTimeout is returned when the build exceeds the configured
	// timeout and is forcibly terminated.
	ErrBuildTimeout = errors.New("build timeout")
)

var nonWord = regexp.MustCompile(`\W+`)

// Target selects what the build produces.
type Target struct {
	// Lunch is the AOSP lunch combo, e.g. sdk_phone64_arm64-userdebug.
	Lunch string
	// AndroidVersion selects version-specific build goals.
	AndroidVersion string
}

// Result reports the outcome of one build invocation.
type Result struct {
	Status   string
	Reason   string
	Duration time.Duration
	LogPath  string
}

// Driver runs AOSP builds with a bounded lifetime.
type Driver struct {
	// Timeout bounds each invocation; zero means DefaultTimeout.
	Timeout time.Duration
	// LogDir receives one log file per invocation.
	LogDir string
}

// BuildCommand returns the shell command that compiles the tree for the
// target. Android 11 and 12 additionally need the SDK goal for the emulator
// images.
func BuildCommand(root string, target Target) string {
	goals := "m"
	switch target.AndroidVersion {
	case "11", "12":
		goals = "m && m sdk"
	}
	return fmt.Sprintf("cd %v && source %v/build/envsetup.sh && lunch %v && %v", root, root, target.Lunch, goals)
}

// PackageCommand returns the shell command that packs the built images into
// an emulator image zip.
func PackageCommand(root string, target Target) string {
	var goals string
	switch target.AndroidVersion {
	case "11":
		goals = "m sdk_repo && m dist"
	case "12":
		goals = "m sdk_repo && m emu_img_zip"
	default:
		goals = "m emu_img_zip"
	}
	return fmt.Sprintf("cd %v && source %v/build/envsetup.sh && lunch %v && %v", root, root, target.Lunch, goals)
}

// Run compiles the tree for the target. The combined build output is
// streamed to a per-invocation log file under LogDir. Timeout produces a
// failure Result with reason timeout and ErrBuildTimeout.
func (d *Driver) Run(ctx context.Context, tree *aosptree.Tree, target Target) (*Result, error) {
	return d.execute(ctx, tree.Root, BuildCommand(tree.Root, target), target.Lunch)
}

// PackageImages packs the compiled tree into the emulator image artifact.
func (d *Driver) PackageImages(ctx context.Context, tree *aosptree.Tree, target Target) (*Result, error) {
	return d.execute(ctx, tree.Root, PackageCommand(tree.Root, target), target.Lunch)
}

func (d *Driver) execute(ctx context.Context, dir, command, target string) (*Result, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logPath := filepath.Join(d.LogDir, fmt.Sprintf("%v_%v.log", uuid.New().String(), nonWord.ReplaceAllString(target, "")))
	if err := os.MkdirAll(d.LogDir, 0755); err != nil {
		return nil, err
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = logFile.Close()
	}()

	log.WithFields(log.Fields{
		"command": command,
		"log":     logPath,
	}).Info("starting build, this will take a long time")

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	cmdOutput, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(cmdOutput)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		fmt.Fprintln(logFile, scanner.Text())
	}

	waitErr := cmd.Wait()
	result := &Result{
		Status:   StatusSuccess,
		Duration: time.Since(start),
		LogPath:  logPath,
	}
	if waitErr == nil {
		log.WithField("duration", result.Duration.String()).Info("build finished")
		return result, nil
	}

	result.Status = StatusFailure
	if ctx.Err() == context.DeadlineExceeded {
		result.Reason = ReasonTimeout
		log.WithField("log", logPath).Error("build timed out and was terminated")
		return result, fmt.Errorf("%w after %v", ErrBuildTimeout, timeout)
	}
	result.Reason = waitErr.Error()
	log.WithFields(log.Fields{
		"log":    logPath,
		"reason": result.Reason,
	}).Error("build failed")
	return result, fmt.Errorf("%w: %v", ErrBuildFailure, waitErr)
}
