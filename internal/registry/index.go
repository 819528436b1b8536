package registry

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// manifestPattern matches manifest file names:
// ccm.<name>[-X.Y.Z][.min].<json|yaml|yml|cue>
var manifestPattern = regexp.MustCompile(`^ccm\.([^.-]+)(-(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*))?(\.min)?\.(json|yaml|yml|cue)$`)

var namePattern = regexp.MustCompile(`^[^.\-/]+$`)

// Index is a parsed component index: a name plus an optional
// major.minor.patch version. An index without version means "latest".
type Index struct {
	Name    string
	Version []int
}

func (ix Index) String() string {
	if len(ix.Version) == 0 {
		return ix.Name
	}
	parts := make([]string, len(ix.Version))
	for i, v := range ix.Version {
		parts[i] = strconv.Itoa(v)
	}
	return ix.Name + "-" + strings.Join(parts, ".")
}

// ParseIndex splits "chat" or "chat-2.1.3" into name and version.
func ParseIndex(s string) (Index, error) {
	name, ver, hasVer := strings.Cut(s, "-")
	if !namePattern.MatchString(name) {
		return Index{}, fmt.Errorf("invalid component name %q", name)
	}
	if !hasVer {
		return Index{Name: name}, nil
	}
	v, err := ParseVersion(ver)
	if err != nil {
		return Index{}, fmt.Errorf("index %q: %w", s, err)
	}
	return Index{Name: name, Version: v}, nil
}

// ParseVersion parses "X.Y.Z".
func ParseVersion(s string) ([]int, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("version %q must have three parts", s)
	}
	v := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("version %q: bad part %q", s, p)
		}
		v[i] = n
	}
	return v, nil
}

// ManifestIndex derives the component index from a manifest URL's file
// name. ok is false when the file name does not follow the convention.
func ManifestIndex(u string) (string, bool) {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	m := manifestPattern.FindStringSubmatch(path.Base(u))
	if m == nil {
		return "", false
	}
	if m[2] == "" {
		return m[1], true
	}
	return m[1] + m[2], true
}

// isURL reports whether a component reference names a manifest to load
// rather than an index.
func isURL(ref string) bool {
	if strings.Contains(ref, "/") {
		return true
	}
	_, ok := ManifestIndex(ref)
	return ok
}
