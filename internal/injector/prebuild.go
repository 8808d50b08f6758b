package injector

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/firmwaredroid/rehoster/internal/aosptree"
	"github.com/firmwaredroid/rehoster/internal/depgraph"
	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

// PreBuild writes firmware artifacts into the AOSP tree as synthesized
// prebuilt modules before compilation. Tree mutation is not reversible;
// callers must provide a pristine checkout per run.
type PreBuild struct {
	Strategy *strategy.Strategy
	Graph    *depgraph.Graph
	Tree     *aosptree.Tree
}

// Inject processes every artifact whose matched rule has the pre_build
// phase. A binary's dependency closure members that are neither present in
// the tree nor excluded are bundled into the same module, co-locating a
// binary with its private shared libraries. Returns the synthesized modules
// in injection order.
func (p *PreBuild) Inject(artifacts []firmware.Artifact) ([]Module, error) {
	byName := map[string]*firmware.Artifact{}
	for i := range artifacts {
		byName[artifacts[i].Name()] = &artifacts[i]
	}

	consumed := map[string]bool{}
	var modules []Module

	for i := range artifacts {
		a := &artifacts[i]
		if consumed[a.RelativePath] {
			continue
		}
		rule, ok := p.Strategy.Match(a.RelativePath)
		if !ok || rule.Phase != strategy.PhasePreBuild || rule.ModuleType == strategy.ModuleExclude {
			continue
		}

		module, err := p.buildModule(a, rule, byName, consumed)
		if err != nil {
			return nil, err
		}
		if module == nil {
			continue
		}

		if err := p.writeModule(module, rule); err != nil {
			if skippable(err, rule) {
				log.WithField("module", module.Name).Info("module already present in tree, kept original")
				continue
			}
			return nil, err
		}
		modules = append(modules, *module)
	}

	log.WithFields(log.Fields{
		"checkout": p.Tree.CheckoutID,
		"modules":  len(modules),
	}).Info("pre-build injection complete")
	return modules, nil
}

// buildModule resolves the artifact's dependency closure and bundles the
// members that are not already satisfied by the tree.
func (p *PreBuild) buildModule(a *firmware.Artifact, rule *strategy.Rule, byName map[string]*firmware.Artifact, consumed map[string]bool) (*Module, error) {
	files := []firmware.Artifact{*a}
	var unresolved []string

	for _, dep := range p.Graph.Closure(a.Name()) {
		if p.Tree.ContainsLibrary(dep) {
			log.WithFields(log.Fields{"binary": a.Name(), "dep": dep}).Debug("closure member already in tree")
			continue
		}
		member, ok := byName[dep]
		if !ok {
			// some dependencies are satisfied by the base image at runtime;
			// record, do not abort
			unresolved = append(unresolved, dep)
			continue
		}
		if consumed[member.RelativePath] {
			continue
		}
		if depRule, ok := p.Strategy.Match(member.RelativePath); ok && depRule.ModuleType == strategy.ModuleExclude {
			continue
		}
		files = append(files, *member)
		consumed[member.RelativePath] = true
	}
	consumed[a.RelativePath] = true

	for _, dep := range unresolved {
		log.WithFields(log.Fields{"binary": a.Name(), "dep": dep}).Warn("unresolved dependency, assuming base image provides it")
	}

	return &Module{
		Name:           moduleName(a.Name()),
		ModuleType:     rule.ModuleType,
		Dir:            aosptree.InjectDir + "/" + moduleName(a.Name()),
		Files:          files,
		Descriptor:     renderDescriptor(rule.ModuleType, files),
		UnresolvedDeps: unresolved,
	}, nil
}

// writeModule writes the module directory all-or-nothing: collisions are
// detected before the first byte is written, and a partial write is cleaned
// up before the error is returned.
func (p *PreBuild) writeModule(m *Module, rule *strategy.Rule) error {
	dir := p.Tree.Abs(m.Dir)
	if _, err := os.Stat(dir); err == nil {
		switch rule.OverwritePolicy {
		case strategy.PolicyFail:
			return fmt.Errorf("%w: module path already exists: %v", ErrInjection, m.Dir)
		case strategy.PolicySkip:
			return errModuleExists
		case strategy.PolicyReplace:
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("replacing module %v: %w", m.Name, err)
			}
			logReplaced(m.Dir)
		}
	}

	for i := range m.Files {
		if _, err := os.Stat(m.Files[i].Path); err != nil {
			return missingSource(&m.Files[i])
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating module dir %v: %w", m.Dir, err)
	}
	for i := range m.Files {
		dst := filepath.Join(dir, m.Files[i].Name())
		if err := copyFile(m.Files[i].Path, dst, 0644); err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("writing %v: %w", dst, err)
		}
	}
	if err := ioutil.WriteFile(filepath.Join(dir, DescriptorFilename), []byte(m.Descriptor), 0644); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("writing descriptor for %v: %w", m.Name, err)
	}

	log.WithFields(log.Fields{"module": m.Name, "files": len(m.Files)}).Debug("wrote build module")
	return nil
}

var errModuleExists = fmt.Errorf("module exists")

func skippable(err error, rule *strategy.Rule) bool {
	return err == errModuleExists && rule.OverwritePolicy == strategy.PolicySkip
}
