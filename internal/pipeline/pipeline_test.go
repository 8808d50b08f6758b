package pipeline

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmwaredroid/rehoster/internal/aosptree"
	"github.com/firmwaredroid/rehoster/internal/apex"
	"github.com/firmwaredroid/rehoster/internal/builddriver"
	"github.com/firmwaredroid/rehoster/internal/depgraph"
	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

type noopCodec struct{}

func (noopCodec) Extract(_ context.Context, _, _ string) error { return nil }

func (noopCodec) Build(_ context.Context, _, imagePath string) error {
	return ioutil.WriteFile(imagePath, nil, 0644)
}

type noopSigner struct{}

func (noopSigner) Sign(context.Context, string) error { return nil }

// newTestPipeline wires a pipeline against temp directories and a fake
// envsetup.sh whose lunch and m functions run the given bash body.
func newTestPipeline(t *testing.T, buildBody string) *Pipeline {
	t.Helper()
	root, err := ioutil.TempDir("", "tree")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	envsetup := "lunch() { :; }\nm() { " + buildBody + "; }\n"
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "build", "envsetup.sh"), []byte(envsetup), 0644))

	boardCfg := filepath.Join(root, "build/make/target/board/BoardConfigEmuCommon.mk")
	require.NoError(t, os.MkdirAll(filepath.Dir(boardCfg), 0755))
	require.NoError(t, ioutil.WriteFile(boardCfg,
		[]byte("  BOARD_SUPER_PARTITION_SIZE := 100\n  BOARD_EMULATOR_DYNAMIC_PARTITIONS_SIZE := 100\n"), 0644))

	tree, err := aosptree.Open(root, "test")
	require.NoError(t, err)

	fwDir, err := ioutil.TempDir("", "fw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(fwDir) })
	libPath := filepath.Join(fwDir, "vendor/lib64/libfoo.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(libPath), 0755))
	require.NoError(t, ioutil.WriteFile(libPath, []byte("lib"), 0644))
	apkPath := filepath.Join(fwDir, "system/app/Maps/Maps.apk")
	require.NoError(t, os.MkdirAll(filepath.Dir(apkPath), 0755))
	require.NoError(t, ioutil.WriteFile(apkPath, []byte("apk"), 0644))
	artifacts, err := firmware.ScanDir(fwDir)
	require.NoError(t, err)

	s, err := strategy.New([]strategy.Rule{
		{Pattern: "vendor/lib64/*.so", ModuleType: strategy.ModuleSharedLib, Phase: strategy.PhasePreBuild, OverwritePolicy: strategy.PolicySkip},
		{Pattern: "system/app/", ModuleType: strategy.ModuleApp, Phase: strategy.PhasePostBuild, OverwritePolicy: strategy.PolicyReplace},
	})
	require.NoError(t, err)

	outDir, err := ioutil.TempDir("", "out")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(outDir) })
	logDir, err := ioutil.TempDir("", "logs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(logDir) })
	storeDir, err := ioutil.TempDir("", "store")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(storeDir) })

	return &Pipeline{
		Strategy:   s,
		Tree:       tree,
		Artifacts:  artifacts,
		Graph:      depgraph.NewGraph(),
		Driver:     &builddriver.Driver{Timeout: 30 * time.Second, LogDir: logDir},
		Target:     builddriver.Target{Lunch: "sdk_phone64_x86_64-userdebug", AndroidVersion: "13"},
		OutputRoot: outDir,
		Repackager: &apex.Repackager{
			Codec:       noopCodec{},
			Signer:      noopSigner{},
			Strategy:    s,
			ScratchRoot: filepath.Join(outDir, "scratch"),
		},
		Store: NewStore(filepath.Join(storeDir, "runs.json")),
	}
}

func stageNames(run *Run) []string {
	var names []string
	for _, s := range run.Stages {
		names = append(names, s.Name)
	}
	return names
}

func TestExecute_Success(t *testing.T) {
	p := newTestPipeline(t, ":")
	run, err := p.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, run.FinalStatus)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "13", run.AndroidVersion)
	assert.Equal(t, []string{
		StagePartitionSizing,
		StagePreBuildInject,
		StageBuild,
		StagePackageImages,
		StagePostBuildInject,
		StageApexRepackaging,
	}, stageNames(run))
	for _, s := range run.Stages {
		assert.Equal(t, StatusSuccess, s.Status, s.Name)
	}

	// pre-build module landed in the tree, post-build file in the output
	assert.True(t, p.Tree.Contains(aosptree.InjectDir+"/libfoo_rehosted/libfoo.so"))
	_, err = os.Stat(filepath.Join(p.OutputRoot, "system/app/Maps/Maps.apk"))
	assert.NoError(t, err)

	runs, err := p.Store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestExecute_BuildFailureAbortsRun(t *testing.T) {
	p := newTestPipeline(t, "echo build error >&2; return 1")
	run, err := p.Execute(context.Background())
	assert.ErrorIs(t, err, builddriver.ErrBuildFailure)

	assert.Equal(t, StatusFailure, run.FinalStatus)
	names := stageNames(run)
	assert.Contains(t, names, StageBuild)
	assert.NotContains(t, names, StagePostBuildInject)
	assert.NotContains(t, names, StageApexRepackaging)

	// the aborted run is still persisted
	runs, err := p.Store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailure, runs[0].FinalStatus)
}

func TestExecute_BuildTimeoutAbortsRun(t *testing.T) {
	p := newTestPipeline(t, "while :; do :; done")
	p.Driver.Timeout = 100 * time.Millisecond

	run, err := p.Execute(context.Background())
	assert.ErrorIs(t, err, builddriver.ErrBuildTimeout)

	assert.Equal(t, StatusFailure, run.FinalStatus)
	names := stageNames(run)
	assert.Contains(t, names, StageBuild)
	assert.NotContains(t, names, StagePostBuildInject)
}

func TestExecute_PostBuildFailureDegradesToPartial(t *testing.T) {
	p := newTestPipeline(t, ":")
	// force a collision under the fail policy in the post-build phase
	s, err := strategy.New([]strategy.Rule{
		{Pattern: "vendor/lib64/*.so", ModuleType: strategy.ModuleSharedLib, Phase: strategy.PhasePreBuild, OverwritePolicy: strategy.PolicySkip},
		{Pattern: "system/app/", ModuleType: strategy.ModuleApp, Phase: strategy.PhasePostBuild, OverwritePolicy: strategy.PolicyFail},
	})
	require.NoError(t, err)
	p.Strategy = s
	p.Repackager.Strategy = s
	existing := filepath.Join(p.OutputRoot, "system/app/Maps/Maps.apk")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0755))
	require.NoError(t, ioutil.WriteFile(existing, []byte("built"), 0644))

	run, err := p.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, run.FinalStatus)
	names := stageNames(run)
	assert.Contains(t, names, StagePostBuildInject)
	// later stages still execute after the degradation
	assert.Contains(t, names, StageApexRepackaging)
}

func TestExecuteAll_IndependentRunsShareOnlyTheStore(t *testing.T) {
	p1 := newTestPipeline(t, ":")
	p2 := newTestPipeline(t, ":")
	p2.Store = p1.Store

	executed, err := ExecuteAll(context.Background(), []*Pipeline{p1, p2}, 2)
	require.NoError(t, err)
	require.Len(t, executed, 2)
	assert.Equal(t, StatusSuccess, executed[0].FinalStatus)
	assert.Equal(t, StatusSuccess, executed[1].FinalStatus)

	runs, err := p1.Store.Runs()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestStore_ConcurrentAppend(t *testing.T) {
	dir, err := ioutil.TempDir("", "store")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store := NewStore(filepath.Join(dir, "runs.json"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Append(&Run{ID: string(rune('a' + i)), FinalStatus: StatusSuccess}))
		}(i)
	}
	wg.Wait()

	runs, err := store.Runs()
	require.NoError(t, err)
	assert.Len(t, runs, 8)
}
