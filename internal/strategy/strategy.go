package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"path"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Phase selects when a rule is applied relative to the AOSP build.
const (
	PhasePreBuild  = "pre_build"
	PhasePostBuild = "post_build"
)

// Overwrite policies for a rule whose target path already exists.
const (
	PolicyFail    = "fail"
	PolicySkip    = "skip"
	PolicyReplace = "replace"
)

// Module types a rule can target.
const (
	ModuleSharedLib  = "shared_lib"
	ModuleExecutable = "executable"
	ModuleApp        = "app"
	ModuleApex       = "apex"
	ModuleEtc        = "etc"
	// ModuleExclude drops matching firmware paths from the run entirely.
	ModuleExclude = "exclude"
)

var (
	// ErrConfig is returned for a malformed or ambiguous strategy file
	ErrConfig = errors.New("invalid injection strategy configuration")
)

// Rule maps firmware paths matching Pattern to an AOSP module type and
// injection phase. Pattern is a literal path prefix, optionally ending in a
// single glob component (e.g. "vendor/lib64/*.so").
type Rule struct {
	Pattern         string `json:"pattern" yaml:"pattern"`
	ModuleType      string `json:"module_type" yaml:"module_type"`
	Phase           string `json:"phase" yaml:"phase"`
	OverwritePolicy string `json:"overwrite_policy" yaml:"overwrite_policy"`

	// literal prefix of Pattern, up to the first glob component
	prefix string
	// glob remainder after prefix, empty for pure prefix patterns
	glob string
	// position in the strategy file, used only to break ties between
	// identical rules
	order int
}

// Strategy is the immutable, validated set of injection rules for a run.
type Strategy struct {
	rules []Rule
}

// Load reads and validates a strategy file. JSON and YAML rule lists are
// supported, selected by file extension. The loader has no side effects
// beyond validation.
func Load(configPath string) (*Strategy, error) {
	raw, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %v: %v", ErrConfig, configPath, err)
	}

	var rules []Rule
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &rules)
	case ".json":
		err = json.Unmarshal(raw, &rules)
	default:
		return nil, fmt.Errorf("%w: unsupported strategy file extension %q", ErrConfig, filepath.Ext(configPath))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %v: %v", ErrConfig, configPath, err)
	}

	return New(rules)
}

// New validates a rule list and returns an initialized Strategy.
func New(rules []Rule) (*Strategy, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: strategy contains no rules", ErrConfig)
	}

	for i := range rules {
		r := &rules[i]
		r.order = i
		if r.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %d has an empty pattern", ErrConfig, i)
		}
		switch r.Phase {
		case PhasePreBuild, PhasePostBuild:
		default:
			return nil, fmt.Errorf("%w: rule %q has unknown phase %q", ErrConfig, r.Pattern, r.Phase)
		}
		switch r.OverwritePolicy {
		case PolicyFail, PolicySkip, PolicyReplace:
		default:
			return nil, fmt.Errorf("%w: rule %q has unknown overwrite policy %q", ErrConfig, r.Pattern, r.OverwritePolicy)
		}
		switch r.ModuleType {
		case ModuleSharedLib, ModuleExecutable, ModuleApp, ModuleApex, ModuleEtc, ModuleExclude:
		default:
			return nil, fmt.Errorf("%w: rule %q has unknown module type %q", ErrConfig, r.Pattern, r.ModuleType)
		}
		r.prefix, r.glob = splitPattern(r.Pattern)
	}

	// Two rules in the same phase with the same literal prefix can match the
	// same concrete path; that is only acceptable when they agree on the
	// target module type (first rule wins). Conflicting targets are an
	// ambiguity the operator has to resolve, not a tie we guess on.
	for i := range rules {
		for j := i + 1; j < len(rules); j++ {
			a, b := &rules[i], &rules[j]
			if a.Phase != b.Phase || a.prefix != b.prefix {
				continue
			}
			if a.ModuleType != b.ModuleType {
				return nil, fmt.Errorf("%w: rules %q and %q are ambiguous for phase %v: same prefix %q with module types %v and %v",
					ErrConfig, a.Pattern, b.Pattern, a.Phase, a.prefix, a.ModuleType, b.ModuleType)
			}
		}
	}

	// longest literal prefix first; declaration order breaks ties between
	// rules already known to agree
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].prefix) != len(sorted[j].prefix) {
			return len(sorted[i].prefix) > len(sorted[j].prefix)
		}
		return sorted[i].order < sorted[j].order
	})

	log.WithField("rules", len(sorted)).Debug("loaded injection strategy")
	return &Strategy{rules: sorted}, nil
}

// Match returns the rule governing the given firmware-relative path, or false
// when no rule matches. Longest literal prefix wins.
func (s *Strategy) Match(relPath string) (*Rule, bool) {
	relPath = filepath.ToSlash(relPath)
	for i := range s.rules {
		if s.rules[i].matches(relPath) {
			return &s.rules[i], true
		}
	}
	return nil, false
}

// Rules returns the rules in match-priority order.
func (s *Strategy) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

func (r *Rule) matches(relPath string) bool {
	if !strings.HasPrefix(relPath, r.prefix) {
		return false
	}
	if r.glob == "" {
		return true
	}
	rest := relPath[len(r.prefix):]
	ok, err := path.Match(r.glob, rest)
	if err != nil {
		log.WithError(err).WithField("pattern", r.Pattern).Warn("unmatchable glob in strategy rule")
		return false
	}
	return ok
}

func splitPattern(pattern string) (prefix, glob string) {
	idx := strings.IndexAny(pattern, "*?[")
	if idx < 0 {
		return pattern, ""
	}
	cut := strings.LastIndex(pattern[:idx], "/") + 1
	return pattern[:cut], pattern[cut:]
}
