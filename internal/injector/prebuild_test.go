package injector

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmwaredroid/rehoster/internal/aosptree"
	"github.com/firmwaredroid/rehoster/internal/depgraph"
	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

type fixture struct {
	tree  *aosptree.Tree
	fwDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root, err := ioutil.TempDir("", "tree")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0755))
	tree, err := aosptree.Open(root, "test")
	require.NoError(t, err)

	fwDir, err := ioutil.TempDir("", "fw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(fwDir) })

	return &fixture{tree: tree, fwDir: fwDir}
}

func (f *fixture) addFirmwareFile(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.fwDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, ioutil.WriteFile(p, []byte(content), 0644))
}

func (f *fixture) addTreeFile(t *testing.T, rel string) {
	t.Helper()
	p := f.tree.Abs(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, ioutil.WriteFile(p, []byte("base"), 0644))
}

func (f *fixture) artifacts(t *testing.T) []firmware.Artifact {
	t.Helper()
	artifacts, err := firmware.ScanDir(f.fwDir)
	require.NoError(t, err)
	return artifacts
}

func sharedLibStrategy(t *testing.T, policy string) *strategy.Strategy {
	t.Helper()
	s, err := strategy.New([]strategy.Rule{
		{Pattern: "vendor/lib64/*.so", ModuleType: strategy.ModuleSharedLib, Phase: strategy.PhasePreBuild, OverwritePolicy: policy},
	})
	require.NoError(t, err)
	return s
}

func TestPreBuild_ClosureMemberAlreadyInTree(t *testing.T) {
	f := newFixture(t)
	f.addFirmwareFile(t, "vendor/lib64/libfoo.so", "foo")
	f.addTreeFile(t, "system/lib64/libbar.so")

	graph := depgraph.Build([]depgraph.Dependency{
		{Consumer: "libfoo.so", Library: "libbar.so", ResolvedPath: "/system/lib64/libbar.so"},
	})

	p := &PreBuild{Strategy: sharedLibStrategy(t, strategy.PolicySkip), Graph: graph, Tree: f.tree}
	modules, err := p.Inject(f.artifacts(t))
	require.NoError(t, err)

	require.Len(t, modules, 1)
	require.Len(t, modules[0].Files, 1)
	assert.Equal(t, "vendor/lib64/libfoo.so", modules[0].Files[0].RelativePath)
	assert.Empty(t, modules[0].UnresolvedDeps)

	// module written into the tree with its descriptor
	assert.True(t, f.tree.Contains(modules[0].Dir+"/libfoo.so"))
	raw, err := ioutil.ReadFile(f.tree.Abs(modules[0].Dir + "/" + DescriptorFilename))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "cc_prebuilt_library_shared")
	assert.Contains(t, string(raw), `"libfoo_rehosted"`)
}

func TestPreBuild_ClosureMemberBundled(t *testing.T) {
	f := newFixture(t)
	f.addFirmwareFile(t, "vendor/lib64/libfoo.so", "foo")
	f.addFirmwareFile(t, "vendor/lib64/libbar.so", "bar")

	graph := depgraph.Build([]depgraph.Dependency{
		{Consumer: "libfoo.so", Library: "libbar.so"},
	})

	p := &PreBuild{Strategy: sharedLibStrategy(t, strategy.PolicySkip), Graph: graph, Tree: f.tree}
	modules, err := p.Inject(f.artifacts(t))
	require.NoError(t, err)

	// libbar.so rides along inside libfoo's module instead of getting its own
	require.Len(t, modules, 1)
	require.Len(t, modules[0].Files, 2)
	assert.Equal(t, "vendor/lib64/libfoo.so", modules[0].Files[0].RelativePath)
	assert.Equal(t, "vendor/lib64/libbar.so", modules[0].Files[1].RelativePath)
	assert.Contains(t, modules[0].Descriptor, `"libbar_rehosted"`)
}

func TestPreBuild_UnresolvedDependencyRecorded(t *testing.T) {
	f := newFixture(t)
	f.addFirmwareFile(t, "vendor/lib64/libfoo.so", "foo")

	graph := depgraph.Build([]depgraph.Dependency{
		{Consumer: "libfoo.so", Library: "libmissing.so"},
	})

	p := &PreBuild{Strategy: sharedLibStrategy(t, strategy.PolicySkip), Graph: graph, Tree: f.tree}
	modules, err := p.Inject(f.artifacts(t))
	require.NoError(t, err)

	require.Len(t, modules, 1)
	assert.Equal(t, []string{"libmissing.so"}, modules[0].UnresolvedDeps)
}

func TestPreBuild_FailPolicyDoesNotMutateTree(t *testing.T) {
	f := newFixture(t)
	f.addFirmwareFile(t, "vendor/lib64/libfoo.so", "foo")

	// pre-existing module dir at the collision-checked path
	existing := f.tree.Abs(aosptree.InjectDir + "/libfoo_rehosted")
	require.NoError(t, os.MkdirAll(existing, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(existing, "marker"), []byte("original"), 0644))

	p := &PreBuild{Strategy: sharedLibStrategy(t, strategy.PolicyFail), Graph: depgraph.NewGraph(), Tree: f.tree}
	_, err := p.Inject(f.artifacts(t))
	assert.ErrorIs(t, err, ErrInjection)

	// original content untouched, nothing new written
	raw, err := ioutil.ReadFile(filepath.Join(existing, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(raw))
	_, err = os.Stat(filepath.Join(existing, "libfoo.so"))
	assert.True(t, os.IsNotExist(err))
}

func TestPreBuild_SkipPolicyKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	f.addFirmwareFile(t, "vendor/lib64/libfoo.so", "foo")

	existing := f.tree.Abs(aosptree.InjectDir + "/libfoo_rehosted")
	require.NoError(t, os.MkdirAll(existing, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(existing, "marker"), []byte("original"), 0644))

	p := &PreBuild{Strategy: sharedLibStrategy(t, strategy.PolicySkip), Graph: depgraph.NewGraph(), Tree: f.tree}
	modules, err := p.Inject(f.artifacts(t))
	require.NoError(t, err)
	assert.Empty(t, modules)

	raw, err := ioutil.ReadFile(filepath.Join(existing, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(raw))
}

func TestPreBuild_ReplacePolicyOverwrites(t *testing.T) {
	f := newFixture(t)
	f.addFirmwareFile(t, "vendor/lib64/libfoo.so", "foo")

	existing := f.tree.Abs(aosptree.InjectDir + "/libfoo_rehosted")
	require.NoError(t, os.MkdirAll(existing, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(existing, "marker"), []byte("original"), 0644))

	p := &PreBuild{Strategy: sharedLibStrategy(t, strategy.PolicyReplace), Graph: depgraph.NewGraph(), Tree: f.tree}
	modules, err := p.Inject(f.artifacts(t))
	require.NoError(t, err)
	require.Len(t, modules, 1)

	_, err = os.Stat(filepath.Join(existing, "marker"))
	assert.True(t, os.IsNotExist(err))
	assert.True(t, f.tree.Contains(modules[0].Dir+"/libfoo.so"))
}

func TestPreBuild_PostBuildRulesIgnored(t *testing.T) {
	f := newFixture(t)
	f.addFirmwareFile(t, "system/app/Maps.apk", "apk")

	s, err := strategy.New([]strategy.Rule{
		{Pattern: "system/app/", ModuleType: strategy.ModuleApp, Phase: strategy.PhasePostBuild, OverwritePolicy: strategy.PolicyReplace},
	})
	require.NoError(t, err)

	p := &PreBuild{Strategy: s, Graph: depgraph.NewGraph(), Tree: f.tree}
	modules, err := p.Inject(f.artifacts(t))
	require.NoError(t, err)
	assert.Empty(t, modules)
}

func TestRenderDescriptor_ModuleTypes(t *testing.T) {
	apk := firmware.Artifact{RelativePath: "product/app/Maps.apk"}
	assert.Contains(t, renderDescriptor(strategy.ModuleApp, []firmware.Artifact{apk}), "android_app_import")

	bin := firmware.Artifact{RelativePath: "vendor/bin/vndservice", OriginPartition: "vendor"}
	desc := renderDescriptor(strategy.ModuleExecutable, []firmware.Artifact{bin})
	assert.Contains(t, desc, "cc_prebuilt_binary")
	assert.Contains(t, desc, "vendor: true")

	etc := firmware.Artifact{RelativePath: "system/etc/perms.xml"}
	assert.Contains(t, renderDescriptor(strategy.ModuleEtc, []firmware.Artifact{etc}), "prebuilt_etc")
}
