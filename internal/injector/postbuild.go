package injector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

// DefaultWorkers bounds concurrent post-build copy operations.
const DefaultWorkers = 4

// PostBuild substitutes or augments compiled build outputs with firmware
// artifacts that cannot be expressed as buildable source modules
// (pre-signed packages, opaque blobs).
type PostBuild struct {
	Strategy *strategy.Strategy
	// OutputRoot is the build output tree (e.g. out/target/product/emu64a).
	OutputRoot string
	// Workers bounds concurrency; artifacts target disjoint paths so order
	// between them does not matter.
	Workers int
}

// Inject applies every post_build rule directly against the build output
// tree and returns the number of files injected. A collision under the fail
// policy aborts the phase.
func (p *PostBuild) Inject(ctx context.Context, artifacts []firmware.Artifact) (int, error) {
	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var matched []work
	for i := range artifacts {
		rule, ok := p.Strategy.Match(artifacts[i].RelativePath)
		if !ok || rule.Phase != strategy.PhasePostBuild || rule.ModuleType == strategy.ModuleExclude {
			continue
		}
		matched = append(matched, work{artifact: &artifacts[i], rule: rule})
	}

	var injected int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, w := range matched {
		w := w
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := p.injectOne(w.artifact, w.rule)
			if err != nil {
				return err
			}
			if ok {
				atomic.AddInt64(&injected, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(atomic.LoadInt64(&injected)), err
	}

	log.WithFields(log.Fields{
		"matched":  len(matched),
		"injected": injected,
		"out":      p.OutputRoot,
	}).Info("post-build injection complete")
	return int(injected), nil
}

type work struct {
	artifact *firmware.Artifact
	rule     *strategy.Rule
}

func (p *PostBuild) injectOne(a *firmware.Artifact, rule *strategy.Rule) (bool, error) {
	if _, err := os.Stat(a.Path); err != nil {
		return false, missingSource(a)
	}

	dst := filepath.Join(p.OutputRoot, filepath.FromSlash(a.RelativePath))
	if _, err := os.Stat(dst); err == nil {
		switch rule.OverwritePolicy {
		case strategy.PolicyFail:
			return false, fmt.Errorf("%w: output path already exists: %v", ErrInjection, a.RelativePath)
		case strategy.PolicySkip:
			log.WithField("path", a.RelativePath).Debug("output exists, kept build original")
			return false, nil
		case strategy.PolicyReplace:
			logReplaced(a.RelativePath)
		}
	}

	if err := copyFile(a.Path, dst, 0644); err != nil {
		return false, fmt.Errorf("injecting %v: %w", a.RelativePath, err)
	}
	return true, nil
}
