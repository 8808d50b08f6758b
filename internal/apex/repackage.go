package apex

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/injector"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

// Container processing outcomes.
const (
	StatusReplaced  = "replaced"
	StatusUnchanged = "unchanged"
	StatusFailed    = "failed"
)

// DefaultWorkers bounds concurrent container processing.
const DefaultWorkers = 2

// ContainerResult records the outcome for one container. A failed container
// never aborts the processing of unrelated containers.
type ContainerResult struct {
	Path   string
	Name   string
	Status string
	Detail string
}

// Repackager rewrites APEX containers whose payload receives firmware
// artifacts.
type Repackager struct {
	Codec    PayloadCodec
	Signer   Signer
	Strategy *strategy.Strategy
	// ScratchRoot receives one scratch directory per container.
	ScratchRoot string
	// Workers bounds concurrency; containers are disjoint files so order
	// between them does not matter.
	Workers int
}

// RepackageAll processes every container concurrently up to the worker
// bound. Results come back in containerPaths order.
func (r *Repackager) RepackageAll(ctx context.Context, containerPaths []string, artifacts []firmware.Artifact) []ContainerResult {
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	results := make([]ContainerResult, len(containerPaths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range containerPaths {
		i, path := i, path
		g.Go(func() error {
			results[i] = r.repackageOne(ctx, path, artifacts)
			return nil
		})
	}
	_ = g.Wait()

	replaced, failed := 0, 0
	for _, res := range results {
		switch res.Status {
		case StatusReplaced:
			replaced++
		case StatusFailed:
			failed++
		}
	}
	log.WithFields(log.Fields{
		"containers": len(containerPaths),
		"replaced":   replaced,
		"failed":     failed,
	}).Info("apex repackaging complete")
	return results
}

func (r *Repackager) repackageOne(ctx context.Context, path string, artifacts []firmware.Artifact) ContainerResult {
	result := ContainerResult{Path: path, Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}

	c, err := Open(path)
	if err != nil {
		return r.failed(result, err)
	}
	result.Name = c.Name()

	scoped := PayloadArtifacts(c.Name(), artifacts)
	if len(scoped) == 0 {
		result.Status = StatusUnchanged
		return result
	}

	scratch := filepath.Join(r.ScratchRoot, c.Name())
	unpacked, err := c.Unpack(ctx, r.Codec, scratch)
	if err != nil {
		return r.failed(result, err)
	}
	defer unpacked.Cleanup()

	post := &injector.PostBuild{Strategy: r.Strategy, OutputRoot: unpacked.PayloadDir}
	injected, err := post.Inject(ctx, scoped)
	if err != nil {
		return r.failed(result, err)
	}
	if injected == 0 {
		// nothing matched: leave the container untouched, skip re-signing
		result.Status = StatusUnchanged
		return result
	}

	repacked, err := unpacked.Modified().Repack(ctx, r.Codec)
	if err != nil {
		return r.failed(result, err)
	}
	signed, err := repacked.Sign(ctx, r.Signer)
	if err != nil {
		return r.failed(result, err)
	}
	if err := signed.Replace(); err != nil {
		return r.failed(result, err)
	}

	result.Status = StatusReplaced
	result.Detail = fmt.Sprintf("injected %v payload files", injected)
	return result
}

func (r *Repackager) failed(result ContainerResult, err error) ContainerResult {
	log.WithError(err).WithField("container", result.Name).Error("apex container failed, continuing with remaining containers")
	result.Status = StatusFailed
	result.Detail = err.Error()
	return result
}

// PayloadArtifacts selects the artifacts destined for the named container's
// payload and rebases their relative paths to the payload root. Firmware
// trees address APEX content as .../apex/<name>/<payload path>.
func PayloadArtifacts(name string, artifacts []firmware.Artifact) []firmware.Artifact {
	marker := "apex/" + name + "/"
	var scoped []firmware.Artifact
	for _, a := range artifacts {
		idx := strings.Index(a.RelativePath, marker)
		if idx < 0 {
			continue
		}
		rebased := a
		rebased.RelativePath = a.RelativePath[idx+len(marker):]
		if rebased.RelativePath == "" {
			continue
		}
		scoped = append(scoped, rebased)
	}
	return scoped
}
