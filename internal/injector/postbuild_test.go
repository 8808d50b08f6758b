package injector

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

func postBuildStrategy(t *testing.T, policy string) *strategy.Strategy {
	t.Helper()
	s, err := strategy.New([]strategy.Rule{
		{Pattern: "system/app/", ModuleType: strategy.ModuleApp, Phase: strategy.PhasePostBuild, OverwritePolicy: policy},
	})
	require.NoError(t, err)
	return s
}

func postBuildFixture(t *testing.T) (fwDir, outDir string) {
	t.Helper()
	fwDir, err := ioutil.TempDir("", "fw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(fwDir) })
	outDir, err = ioutil.TempDir("", "out")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(outDir) })
	return fwDir, outDir
}

func writeArtifact(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, ioutil.WriteFile(p, []byte(content), 0644))
}

func TestPostBuild_InjectsMatchedArtifacts(t *testing.T) {
	fwDir, outDir := postBuildFixture(t)
	writeArtifact(t, fwDir, "system/app/Maps/Maps.apk", "apk-a")
	writeArtifact(t, fwDir, "system/app/Chat/Chat.apk", "apk-b")
	writeArtifact(t, fwDir, "vendor/lib64/libfoo.so", "not matched")
	artifacts, err := firmware.ScanDir(fwDir)
	require.NoError(t, err)

	p := &PostBuild{Strategy: postBuildStrategy(t, strategy.PolicyReplace), OutputRoot: outDir}
	n, err := p.Inject(context.Background(), artifacts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	raw, err := ioutil.ReadFile(filepath.Join(outDir, "system/app/Maps/Maps.apk"))
	require.NoError(t, err)
	assert.Equal(t, "apk-a", string(raw))
	_, err = os.Stat(filepath.Join(outDir, "vendor/lib64/libfoo.so"))
	assert.True(t, os.IsNotExist(err))
}

func TestPostBuild_OverwritePolicies(t *testing.T) {
	tests := map[string]struct {
		policy     string
		wantCount  int
		wantErr    bool
		wantOutput string
	}{
		"replace overwrites build output": {
			policy:     strategy.PolicyReplace,
			wantCount:  1,
			wantOutput: "firmware",
		},
		"skip keeps build output": {
			policy:     strategy.PolicySkip,
			wantCount:  0,
			wantOutput: "built",
		},
		"fail aborts the phase": {
			policy:     strategy.PolicyFail,
			wantErr:    true,
			wantOutput: "built",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fwDir, outDir := postBuildFixture(t)
			writeArtifact(t, fwDir, "system/app/Maps/Maps.apk", "firmware")
			writeArtifact(t, outDir, "system/app/Maps/Maps.apk", "built")
			artifacts, err := firmware.ScanDir(fwDir)
			require.NoError(t, err)

			p := &PostBuild{Strategy: postBuildStrategy(t, tc.policy), OutputRoot: outDir}
			n, err := p.Inject(context.Background(), artifacts)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInjection)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.wantCount, n)
			}
			raw, err := ioutil.ReadFile(filepath.Join(outDir, "system/app/Maps/Maps.apk"))
			require.NoError(t, err)
			assert.Equal(t, tc.wantOutput, string(raw))
		})
	}
}

func TestPostBuild_MissingSourceArtifact(t *testing.T) {
	_, outDir := postBuildFixture(t)
	artifacts := []firmware.Artifact{{
		RelativePath: "system/app/Maps/Maps.apk",
		Path:         "/nonexistent/Maps.apk",
	}}

	p := &PostBuild{Strategy: postBuildStrategy(t, strategy.PolicyReplace), OutputRoot: outDir}
	_, err := p.Inject(context.Background(), artifacts)
	assert.ErrorIs(t, err, ErrInjection)
}

func TestPostBuild_CancelledContext(t *testing.T) {
	fwDir, outDir := postBuildFixture(t)
	writeArtifact(t, fwDir, "system/app/Maps/Maps.apk", "apk")
	artifacts, err := firmware.ScanDir(fwDir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &PostBuild{Strategy: postBuildStrategy(t, strategy.PolicyReplace), OutputRoot: outDir}
	_, err = p.Inject(ctx, artifacts)
	assert.Error(t, err)
}