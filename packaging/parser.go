package packaging

import (
	"path"
	"strings"
)

// RelativePathParser follows a sorted depth-first stream of slash-separated
// paths below a root and reports when directories are left.
//
// The root itself is never pushed onto the directory stack. When a path that
// is not below the root arrives, every open directory is exited and then the
// root is exited once more.
type RelativePathParser struct {
	root     string
	rootName string
	// open directories below the root, outermost first
	dirs    []string
	current string
	outside bool
}

// NewRelativePathParser returns a parser positioned at rootPath.
// A trailing slash on rootPath is ignored.
func NewRelativePathParser(rootPath string) *RelativePathParser {
	root := strings.TrimSuffix(rootPath, "/")
	return &RelativePathParser{
		root:     root,
		rootName: path.Base(root),
		current:  root,
	}
}

// NextPath advances the parser to p. onExit is called once for every
// directory that has no more descendants left, innermost first, with the
// directory's name. If isDir is true, p becomes the innermost open directory.
// NextPath reports whether p is the root.
func (rp *RelativePathParser) NextPath(p string, isDir bool, onExit func(name string)) bool {
	p = strings.TrimSuffix(p, "/")
	if rp.outside {
		rp.current = p
		return false
	}
	if p == rp.root {
		rp.exitWhile(onExit, func(string) bool { return true })
		rp.current = p
		return true
	}
	if !isBelow(p, rp.root) {
		rp.exitWhile(onExit, func(string) bool { return true })
		if onExit != nil {
			onExit(rp.rootName)
		}
		rp.outside = true
		rp.current = p
		return false
	}
	rp.exitWhile(onExit, func(dir string) bool { return !isBelow(p, dir) })
	if isDir {
		rp.dirs = append(rp.dirs, p)
	}
	rp.current = p
	return false
}

// ExitToRoot exits every directory that is still open below the root.
// It must be called once after the last path.
func (rp *RelativePathParser) ExitToRoot(onExit func(name string)) {
	rp.exitWhile(onExit, func(string) bool { return true })
}

func (rp *RelativePathParser) exitWhile(onExit func(string), cond func(dir string) bool) {
	for len(rp.dirs) > 0 {
		top := rp.dirs[len(rp.dirs)-1]
		if !cond(top) {
			return
		}
		rp.dirs = rp.dirs[:len(rp.dirs)-1]
		if onExit != nil {
			onExit(path.Base(top))
		}
	}
}

// Depth returns the number of open directories including the root,
// or 0 once a path outside the root has been seen.
func (rp *RelativePathParser) Depth() int {
	if rp.outside {
		return 0
	}
	return len(rp.dirs) + 1
}

// IsRoot reports whether the current path is the root.
func (rp *RelativePathParser) IsRoot() bool {
	return !rp.outside && rp.current == rp.root
}

// Outside reports whether a path outside the root has been seen.
func (rp *RelativePathParser) Outside() bool {
	return rp.outside
}

// RelativePath returns the current path relative to the root.
// It is empty at the root.
func (rp *RelativePathParser) RelativePath() string {
	if rp.current == rp.root {
		return ""
	}
	return strings.TrimPrefix(rp.current, rp.root+"/")
}

// Name returns the last element of the current path.
func (rp *RelativePathParser) Name() string {
	return path.Base(rp.current)
}

// isBelow reports whether p is a strict descendant of dir.
func isBelow(p, dir string) bool {
	return len(p) > len(dir)+1 && strings.HasPrefix(p, dir) && p[len(dir)] == '/'
}
