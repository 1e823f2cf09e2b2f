// Package routetable implements the immutable path matcher used by every
// server actor to resolve an incoming request URI to a Route.
//
// The matcher is a segment trie (one node per path segment): literal
// segments take precedence over ":name" parameter segments at the
// same depth, and a directory mount additionally registers an implicit
// trailing wildcard so that nested paths resolve to the same mount. A
// RouteTable, once built, is never mutated — reconfiguration is expressed as
// building a brand new RouteTable and swapping the pointer that refers to
// it (see the serveractor package).
package routetable

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/fleetd/fleetd/internal/config"
)

// InvalidPatternError is returned by Build when a route's path is
// malformed: empty, not starting with "/", ending with "/" (other than the
// root path), containing an empty segment, holding two params in one
// segment, or repeating a parameter name within one pattern.
type InvalidPatternError struct {
	Pattern string
	Reason  string
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("routetable: invalid pattern %q: %s", e.Pattern, e.Reason)
}

// Match is the result of a successful Lookup.
type Match struct {
	Route  config.Route
	Params map[string]string
}

// RouteTable is an immutable matcher built from an ordered sequence of
// Routes. Build it once with Build and never mutate it; install a new
// RouteTable to apply a change.
type RouteTable struct {
	tree      *node
	warnings  []string
	routeHash uint64
}

// Warnings reports the diagnostics emitted while building the table: one
// per exact-duplicate route path that was dropped in favor of the earlier
// registration.
func (rt *RouteTable) Warnings() []string { return rt.warnings }

type nodeKind uint8

const (
	staticKind nodeKind = iota
	paramKind
	anyKind
)

// node is a single trie node. Unlike a conventional HTTP router, a node
// carries at most one handler (a Route) since GET and HEAD share identical
// routing in this system.
type node struct {
	kind       nodeKind
	label      byte
	prefix     string
	route      *config.Route
	parent     *node
	children   []*node
	paramNames []string
}

// Build constructs a RouteTable from routes. Insertion order is the
// conflict-resolution order: the first route registered at an exact
// duplicate path wins, and a diagnostic is recorded (see Warnings) rather
// than returned as an error. Build fails only when a route's path is
// malformed.
func Build(routes []config.Route) (*RouteTable, error) {
	rt := &RouteTable{
		tree: &node{},
	}

	registered := map[string]bool{}

	var patternSeed strings.Builder

	for i := range routes {
		r := routes[i]

		if err := validatePattern(r.Path); err != nil {
			return nil, err
		}

		pattern := r.Path
		if r.Kind == config.KindDir {
			pattern = mountPattern(r.Path)
		}

		key := exactKey(pattern)
		if registered[key] {
			rt.warnings = append(rt.warnings, fmt.Sprintf(
				"routetable: duplicate route for pattern %q, keeping the earlier registration",
				r.Path,
			))
			continue
		}
		registered[key] = true

		if err := rt.insert(pattern, &routes[i]); err != nil {
			return nil, err
		}

		patternSeed.WriteString(pattern)
		patternSeed.WriteByte(0)
	}

	rt.routeHash = xxhash.Sum64String(patternSeed.String())

	return rt, nil
}

// RouteHash is a short diagnostic fingerprint of the set of patterns this
// table was built from, logged on every snapshot swap so operators can tell
// two RouteTable instances apart in log output without diffing the whole
// configuration.
func (rt *RouteTable) RouteHash() uint64 { return rt.routeHash }

// mountPattern returns the implicit wildcard pattern registered for a
// directory mount: "/assets" becomes "/assets/*", so that any path nested
// under the mount resolves to the Dir route with the residual path bound
// to the "*" param.
func mountPattern(path string) string {
	if path == "/" {
		return "/*"
	}
	return path + "/*"
}

func exactKey(pattern string) string { return pattern }

// validatePattern rejects an empty path, a path not starting with "/", a
// trailing "/" on anything but the root path, empty segments, two params in
// one segment, and duplicate parameter names; these are the only failure
// modes Build recognizes.
func validatePattern(path string) error {
	if path == "" {
		return &InvalidPatternError{Pattern: path, Reason: "path cannot be empty"}
	}
	if path[0] != '/' {
		return &InvalidPatternError{Pattern: path, Reason: "path must start with /"}
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		return &InvalidPatternError{Pattern: path, Reason: "path cannot end with / except the root path"}
	}
	if strings.Contains(path, "//") {
		return &InvalidPatternError{Pattern: path, Reason: "path cannot contain an empty segment (//)"}
	}

	seen := map[string]bool{}
	for _, seg := range strings.Split(path, "/") {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		if strings.Count(seg, ":") > 1 {
			return &InvalidPatternError{Pattern: path, Reason: "adjacent params must be separated by /"}
		}
		name := seg[1:]
		if seen[name] {
			return &InvalidPatternError{Pattern: path, Reason: fmt.Sprintf("duplicate param name %q", name)}
		}
		seen[name] = true
	}

	return nil
}

// insert inserts a pattern into the trie one path segment at a time,
// reusing an existing child whose kind and segment text match exactly and
// adding a new child otherwise.
func (rt *RouteTable) insert(pattern string, r *config.Route) error {
	segments, paramNames, err := compile(pattern)
	if err != nil {
		return err
	}

	cn := rt.tree
	for _, seg := range segments {
		var child *node
		for _, c := range cn.children {
			if c.kind != seg.kind {
				continue
			}
			if c.prefix != seg.text {
				continue
			}
			child = c
			break
		}

		if child == nil {
			child = &node{
				kind:   seg.kind,
				label:  seg.label,
				prefix: seg.text,
				parent: cn,
			}
			cn.children = append(cn.children, child)
		}

		cn = child
	}

	cn.route = r
	cn.paramNames = paramNames

	return nil
}

// segment is one compiled piece of a pattern between slashes.
type segment struct {
	kind  nodeKind
	label byte
	text  string
}

// compile splits a pattern into path segments, distinguishing static
// literals, ":name" parameters, and the trailing "*" wildcard used by
// directory mounts.
func compile(pattern string) ([]segment, []string, error) {
	parts := strings.Split(strings.TrimPrefix(pattern, "/"), "/")

	var segs []segment
	var paramNames []string

	for _, p := range parts {
		switch {
		case p == "*":
			segs = append(segs, segment{kind: anyKind, label: '*', text: "*"})
			paramNames = append(paramNames, "*")
		case strings.HasPrefix(p, ":"):
			name := p[1:]
			segs = append(segs, segment{kind: paramKind, label: ':', text: p})
			paramNames = append(paramNames, name)
		default:
			segs = append(segs, segment{kind: staticKind, label: firstByte(p), text: p})
		}
	}

	return segs, paramNames, nil
}

func firstByte(s string) byte {
	if s == "" {
		return 0
	}
	return s[0]
}

// Lookup resolves a request path to a Match, or reports NotFound. Matching
// is case-sensitive and does not normalize a trailing slash: "/a" and "/a/"
// are distinct paths.
func (rt *RouteTable) Lookup(path string) (Match, bool) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")

	params := map[string]string{}
	if matched := rt.match(rt.tree, parts, params); matched != nil {
		return Match{Route: *matched.route, Params: params}, true
	}

	return Match{}, false
}

// match walks the trie depth-first, preferring static children over param
// children over the any/wildcard child at each depth, exactly as the
// "Search order: static > param > any" rule requires.
func (rt *RouteTable) match(cn *node, parts []string, params map[string]string) *node {
	if len(parts) == 0 {
		if cn.route != nil {
			return cn
		}
		return nil
	}

	head, rest := parts[0], parts[1:]

	for _, c := range cn.children {
		if c.kind == staticKind && c.prefix == head {
			if found := rt.match(c, rest, params); found != nil {
				return found
			}
		}
	}

	for _, c := range cn.children {
		if c.kind == paramKind {
			name := c.prefix[1:]
			prior, hadPrior := params[name]
			params[name] = head
			if found := rt.match(c, rest, params); found != nil {
				return found
			}
			if hadPrior {
				params[name] = prior
			} else {
				delete(params, name)
			}
		}
	}

	for _, c := range cn.children {
		if c.kind == anyKind {
			residual := strings.Join(parts, "/")
			params["*"] = residual
			return c
		}
	}

	return nil
}
