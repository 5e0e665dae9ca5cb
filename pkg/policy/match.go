package policy

import (
	"path"
	"strconv"
	"strings"

	"github.com/jingkaihe/fsguard/pkg/api"
)

const (
	procPrefix = "proc:"
	uidPrefix  = "uid:"
)

type matcher interface {
	match(desc *api.OperationDescriptor) bool
}

// compilePattern validates pattern and returns its matcher.
func compilePattern(pattern string) (matcher, error) {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "":
		return nil, errEmptyPattern
	case strings.HasPrefix(pattern, procPrefix):
		return compileProcPattern(strings.TrimPrefix(pattern, procPrefix))
	case strings.HasPrefix(pattern, uidPrefix):
		uid, err := strconv.ParseUint(strings.TrimPrefix(pattern, uidPrefix), 10, 32)
		if err != nil {
			return nil, err
		}
		return uidMatcher(uint32(uid)), nil
	default:
		return compilePathPattern(pattern)
	}
}

type uidMatcher uint32

func (m uidMatcher) match(desc *api.OperationDescriptor) bool {
	return desc.Process.UID == uint32(m)
}

type procMatcher string

func compileProcPattern(pattern string) (matcher, error) {
	if pattern == "" {
		return nil, errEmptyPattern
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return procMatcher(pattern), nil
}

// match uses path.Match, so '*' never spans a '/' in a kernel thread name.
func (m procMatcher) match(desc *api.OperationDescriptor) bool {
	ok, _ := path.Match(string(m), desc.Process.Name)
	return ok
}

// pathMatcher matches slash-separated globs. "**" spans any number of
// segments. A pattern without a slash only looks at the base name.
type pathMatcher struct {
	segs     []string
	baseOnly bool
}

func compilePathPattern(pattern string) (matcher, error) {
	if !strings.Contains(pattern, "/") {
		if pattern != "**" {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, err
			}
		}
		return &pathMatcher{segs: []string{pattern}, baseOnly: pattern != "**"}, nil
	}

	if !strings.HasPrefix(pattern, "/") && !strings.HasPrefix(pattern, "**/") {
		pattern = "**/" + pattern
	}
	segs := strings.Split(pattern, "/")
	for _, seg := range segs {
		if seg == "**" {
			continue
		}
		if strings.Contains(seg, "**") {
			return nil, path.ErrBadPattern
		}
		if _, err := path.Match(seg, ""); err != nil {
			return nil, err
		}
	}
	return &pathMatcher{segs: segs}, nil
}

func (m *pathMatcher) match(desc *api.OperationDescriptor) bool {
	if m.matchPath(desc.Path) {
		return true
	}
	return desc.Kind == api.OpRename && desc.NewPath != "" && m.matchPath(desc.NewPath)
}

func (m *pathMatcher) matchPath(p string) bool {
	if p == "" {
		return false
	}
	p = path.Clean(p)
	if m.baseOnly {
		ok, _ := path.Match(m.segs[0], path.Base(p))
		return ok
	}
	return matchSegments(m.segs, strings.Split(p, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], name[0]); !ok {
			return false
		}
		pattern = pattern[1:]
		name = name[1:]
	}
	return len(name) == 0
}
