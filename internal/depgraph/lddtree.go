package depgraph

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// lddtree prints one indented line per dependency:
//
//	app_process64 => /system/bin/app_process64 (interpreter => /system/bin/linker64)
//	    libandroid_runtime.so => /system/lib64/libandroid_runtime.so
//	        libbinder.so => /system/lib64/libbinder.so
//	    libmissing.so => not found
var lddtreeLine = regexp.MustCompile(`^(\s*)(\S+)\s+=>\s+(.*?)(?:\s+\(.*\))?$`)

// ParseLddtree converts a lddtree text dump into consumer/dependency pairs.
// Indentation encodes the consumer: each line's consumer is the most recent
// line one indent level up. "not found" resolutions produce a pair with an
// empty resolved path.
func ParseLddtree(r io.Reader) ([]Dependency, error) {
	var deps []Dependency

	// consumer per indentation depth
	stack := []string{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := lddtreeLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		depth := indentDepth(m[1])
		name := m[2]
		resolved := strings.TrimSpace(m[3])
		if resolved == "not found" {
			resolved = ""
		}

		if depth > len(stack) {
			return nil, fmt.Errorf("malformed lddtree dump: indent jump at %q", line)
		}
		stack = append(stack[:depth], name)

		if depth == 0 {
			// root binary line: record its resolution so the graph knows
			// the binary itself
			deps = append(deps, Dependency{Consumer: name, Library: name, ResolvedPath: resolved})
			continue
		}
		deps = append(deps, Dependency{
			Consumer:     stack[depth-1],
			Library:      name,
			ResolvedPath: resolved,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading lddtree dump: %w", err)
	}
	return deps, nil
}

func indentDepth(indent string) int {
	// lddtree indents with four spaces per level; tabs count as one level
	spaces := strings.Count(indent, " ")
	return spaces/4 + strings.Count(indent, "\t")
}
