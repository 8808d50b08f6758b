// Package pipeline sequences the re-hosting stages for one firmware sample
// and persists a structured record of every run.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/firmwaredroid/rehoster/internal/aosptree"
	"github.com/firmwaredroid/rehoster/internal/apex"
	"github.com/firmwaredroid/rehoster/internal/builddriver"
	"github.com/firmwaredroid/rehoster/internal/depgraph"
	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/injector"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

// Run final statuses. A partially re-hosted image is still useful for
// analysis, so post-build failures degrade the run instead of aborting it.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailure = "failure"
)

// Stage names in execution order.
const (
	StagePartitionSizing = "partition_sizing"
	StagePreBuildInject  = "pre_build_injection"
	StageBuild           = "aosp_build"
	StagePackageImages   = "package_images"
	StagePostBuildInject = "post_build_injection"
	StageApexRepackaging = "apex_repackaging"
)

// Stage records the outcome of one pipeline stage.
type Stage struct {
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds"`
	Detail          string  `json:"detail,omitempty"`
}

// Run is the append-only record of one pipeline invocation.
type Run struct {
	ID             string    `json:"run_id"`
	AndroidVersion string    `json:"android_version"`
	StartedAt      time.Time `json:"started_at"`
	Stages         []Stage   `json:"stages"`
	FinalStatus    string    `json:"final_status"`
}

// Pipeline re-hosts one firmware sample onto one AOSP checkout. The tree
// must be a pristine checkout not shared with any concurrent run; the
// pipeline enforces no locking over it.
type Pipeline struct {
	Strategy  *strategy.Strategy
	Tree      *aosptree.Tree
	Artifacts []firmware.Artifact
	Graph     *depgraph.Graph
	Driver    *builddriver.Driver
	Target    builddriver.Target
	// OutputRoot is the build output tree post-build stages operate on.
	OutputRoot string
	// Containers lists the APEX containers eligible for repackaging.
	// ContainerGlob discovers them under the output tree after the build
	// for callers that cannot know them up front.
	Containers    []string
	ContainerGlob string
	Repackager *apex.Repackager
	Workers    int
	Store      *Store
}

// Execute runs all stages in strict sequence. Failures up to and including
// the build abort the run (the tree is corrupt for the rest of the build);
// later failures degrade the run to partial. The run record is persisted
// before Execute returns, including on abort.
func (p *Pipeline) Execute(ctx context.Context) (*Run, error) {
	run := &Run{
		ID:             uuid.New().String(),
		AndroidVersion: p.Target.AndroidVersion,
		StartedAt:      time.Now().UTC(),
		FinalStatus:    StatusSuccess,
	}
	logger := log.WithFields(log.Fields{
		"run":      run.ID,
		"version":  run.AndroidVersion,
		"checkout": p.Tree.CheckoutID,
	})
	logger.Info("pipeline run started")

	err := p.buildPhase(ctx, run)
	if err != nil {
		run.FinalStatus = StatusFailure
	} else {
		p.postBuildPhase(ctx, run)
	}

	if storeErr := p.Store.Append(run); storeErr != nil {
		logger.WithError(storeErr).Error("failed to persist run record")
		if err == nil {
			err = storeErr
		}
	}
	logger.WithField("status", run.FinalStatus).Info("pipeline run finished")
	return run, err
}

// buildPhase covers the stages whose failure aborts the run.
func (p *Pipeline) buildPhase(ctx context.Context, run *Run) error {
	if err := p.stage(run, StagePartitionSizing, func() (string, error) {
		payload := firmware.TotalSize(p.Artifacts)
		version, _ := strconv.Atoi(p.Target.AndroidVersion)
		err := p.Tree.EnsurePartitionCapacity(payload, version)
		return fmt.Sprintf("payload %v bytes", payload), err
	}); err != nil {
		return err
	}

	if err := p.stage(run, StagePreBuildInject, func() (string, error) {
		pre := &injector.PreBuild{Strategy: p.Strategy, Graph: p.Graph, Tree: p.Tree}
		modules, err := pre.Inject(p.Artifacts)
		return fmt.Sprintf("%v modules", len(modules)), err
	}); err != nil {
		return err
	}

	if err := p.stage(run, StageBuild, func() (string, error) {
		result, err := p.Driver.Run(ctx, p.Tree, p.Target)
		return buildDetail(result), err
	}); err != nil {
		return err
	}

	return p.stage(run, StagePackageImages, func() (string, error) {
		result, err := p.Driver.PackageImages(ctx, p.Tree, p.Target)
		return buildDetail(result), err
	})
}

// postBuildPhase covers the stages whose failures degrade the run to
// partial instead of aborting it.
func (p *Pipeline) postBuildPhase(ctx context.Context, run *Run) {
	if err := p.stage(run, StagePostBuildInject, func() (string, error) {
		post := &injector.PostBuild{Strategy: p.Strategy, OutputRoot: p.OutputRoot, Workers: p.Workers}
		n, err := post.Inject(ctx, p.Artifacts)
		return fmt.Sprintf("%v files", n), err
	}); err != nil {
		run.FinalStatus = StatusPartial
	}

	if err := p.stage(run, StageApexRepackaging, func() (string, error) {
		containers := p.Containers
		if len(containers) == 0 && p.ContainerGlob != "" {
			var err error
			containers, err = filepath.Glob(p.ContainerGlob)
			if err != nil {
				return "", err
			}
		}
		results := p.Repackager.RepackageAll(ctx, containers, p.Artifacts)
		replaced, failed := 0, 0
		for _, r := range results {
			switch r.Status {
			case apex.StatusReplaced:
				replaced++
			case apex.StatusFailed:
				failed++
			}
		}
		detail := fmt.Sprintf("%v replaced, %v failed of %v", replaced, failed, len(results))
		if failed > 0 {
			return detail, fmt.Errorf("%v apex containers failed", failed)
		}
		return detail, nil
	}); err != nil {
		run.FinalStatus = StatusPartial
	}
}

// stage executes fn, timing it and recording its outcome on the run.
func (p *Pipeline) stage(run *Run, name string, fn func() (string, error)) error {
	start := time.Now()
	detail, err := fn()
	record := Stage{
		Name:            name,
		Status:          StatusSuccess,
		DurationSeconds: time.Since(start).Seconds(),
		Detail:          detail,
	}
	if err != nil {
		record.Status = StatusFailure
		record.Detail = err.Error()
		log.WithError(err).WithFields(log.Fields{"run": run.ID, "stage": name}).Error("stage failed")
	}
	run.Stages = append(run.Stages, record)
	return err
}

func buildDetail(result *builddriver.Result) string {
	if result == nil {
		return ""
	}
	if result.Reason != "" {
		return fmt.Sprintf("%v (log: %v)", result.Reason, result.LogPath)
	}
	return fmt.Sprintf("log: %v", result.LogPath)
}

// ExecuteAll runs independent pipelines as parallel workers. Each pipeline
// must own a disjoint tree checkout; the run store is the only shared
// state. All pipelines run to completion; the returned error is the first
// run abort, the runs come back in pipeline order.
func ExecuteAll(ctx context.Context, pipelines []*Pipeline, workers int) ([]*Run, error) {
	if workers <= 0 {
		workers = 1
	}
	runs := make([]*Run, len(pipelines))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, p := range pipelines {
		i, p := i, p
		g.Go(func() error {
			run, err := p.Execute(ctx)
			runs[i] = run
			return err
		})
	}
	return runs, g.Wait()
}
