package expressions

import (
	"regexp"
	"strings"

	"github.com/rendis/mcpflow/pkg/schema"
)

// referencePattern matches "$<source>.<path>". The path may be empty or contain
// any characters; it is split on dots during the walk.
var referencePattern = regexp.MustCompile(`^\$(\w+)\.(.*)$`)

// ResolveReference returns the value a reference points at.
//
// Strings that are not references come back unchanged with ok=true. A reference
// whose source or any intermediate path segment is missing or nil yields
// (nil, false), the "undefined" result. A path that ends on an explicit null
// yields (nil, true).
func ResolveReference(ref string, scope *Scope) (any, bool) {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil {
		return ref, true
	}
	if scope == nil {
		return nil, false
	}

	var root any
	switch m[1] {
	case SourceInput:
		root = scope.Input
	case SourceVar:
		if scope.Vars == nil {
			return nil, false
		}
		root = scope.Vars
	default:
		out, ok := scope.Nodes[m[1]]
		if !ok {
			return nil, false
		}
		root = out
	}
	return walkPath(root, m[2])
}

// Sources returns the distinct reference sources ("input", "var" or a node id)
// that an input source or condition reads, in order of first use. Reference
// text inside string literals is not a read.
func Sources(expression string) []string {
	_, refs := rewriteCondition(expression, false)
	var out []string
	seen := make(map[string]bool, len(refs))
	for _, tok := range refs {
		src, _, _ := strings.Cut(tok[1:], ".")
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}

// IsReference reports whether s has reference syntax.
func IsReference(s string) bool {
	return referencePattern.MatchString(s)
}

func walkPath(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if current == nil {
			return nil, false
		}
		next, ok := lookup(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// ResolveInputs gathers a service node's declared inputs.
// An entry takes its source's value when the source resolves, otherwise its
// default; entries with neither are omitted.
func ResolveInputs(inputs []schema.NodeInput, scope *Scope) map[string]any {
	resolved := make(map[string]any, len(inputs))
	for _, in := range inputs {
		key := in.Key()
		if key == "" {
			continue
		}
		if in.Source != "" {
			if v, ok := ResolveReference(in.Source, scope); ok {
				resolved[key] = v
				continue
			}
		}
		if in.Default != nil {
			resolved[key] = in.Default
		}
	}
	return resolved
}
