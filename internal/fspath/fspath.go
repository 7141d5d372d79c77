// Package fspath provides typed absolute paths for the federated
// namespace. Directories and files never share a representation: a Dir
// always renders with a trailing slash, a File never does, and the two
// are distinct types. All paths are absolute and segment-validated at
// the parse boundary.
package fspath

import (
	"fmt"
	"strings"
)

// Path is implemented by Dir and File.
type Path interface {
	// String returns the canonical rendering: "/" or "/a/b/" for
	// directories, "/a/b" for files.
	String() string

	// Segments returns the path segments in order, root first.
	Segments() []string

	// IsDir reports whether the path denotes a directory.
	IsDir() bool
}

// Dir is an absolute directory path. The zero value is not valid; use
// Root or ParseDir.
type Dir struct {
	p string // canonical form: "/" or "/seg/.../seg/"
}

// File is an absolute file path. The zero value is not valid; use
// ParseFile.
type File struct {
	p string // canonical form: "/seg/.../seg"
}

// Root returns the root directory "/".
func Root() Dir {
	return Dir{p: "/"}
}

// validSegment rejects empty segments and the relative markers "." and
// "..". Segments containing a slash cannot be produced by parsing.
func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.Contains(s, "/")
}

func splitSegments(s string) ([]string, error) {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return nil, nil
	}
	segs := strings.Split(trimmed, "/")
	for _, seg := range segs {
		if !validSegment(seg) {
			return nil, fmt.Errorf("invalid path segment %q in %q", seg, s)
		}
	}
	return segs, nil
}

// ParseDir parses an absolute directory path. The trailing slash is
// optional: "/data" and "/data/" both parse to the directory "/data/".
func ParseDir(s string) (Dir, error) {
	if !strings.HasPrefix(s, "/") {
		return Dir{}, fmt.Errorf("directory path %q is not absolute", s)
	}
	segs, err := splitSegments(s)
	if err != nil {
		return Dir{}, err
	}
	if len(segs) == 0 {
		return Root(), nil
	}
	return Dir{p: "/" + strings.Join(segs, "/") + "/"}, nil
}

// ParseFile parses an absolute file path. A trailing slash or the bare
// root is rejected: files always name a final segment.
func ParseFile(s string) (File, error) {
	if !strings.HasPrefix(s, "/") {
		return File{}, fmt.Errorf("file path %q is not absolute", s)
	}
	if strings.HasSuffix(s, "/") {
		return File{}, fmt.Errorf("file path %q has a trailing slash", s)
	}
	segs, err := splitSegments(s)
	if err != nil {
		return File{}, err
	}
	if len(segs) == 0 {
		return File{}, fmt.Errorf("file path %q has no segments", s)
	}
	return File{p: "/" + strings.Join(segs, "/")}, nil
}

// Parse parses an absolute path, picking the representation from the
// rendering: a trailing slash (or the bare root) yields a Dir,
// everything else a File.
func Parse(s string) (Path, error) {
	if s == "/" || strings.HasSuffix(s, "/") {
		return ParseDir(s)
	}
	return ParseFile(s)
}

// MustDir is ParseDir for statically known paths; it panics on error.
func MustDir(s string) Dir {
	d, err := ParseDir(s)
	if err != nil {
		panic(err)
	}
	return d
}

// MustFile is ParseFile for statically known paths; it panics on error.
func MustFile(s string) File {
	f, err := ParseFile(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (d Dir) String() string { return d.p }
func (d Dir) IsDir() bool    { return true }

// IsRoot reports whether d is the root directory.
func (d Dir) IsRoot() bool { return d.p == "/" }

// IsZero reports whether d is the invalid zero value.
func (d Dir) IsZero() bool { return d.p == "" }

func (d Dir) Segments() []string {
	segs, _ := splitSegments(d.p)
	return segs
}

// Depth returns the number of segments; the root has depth zero.
func (d Dir) Depth() int {
	return len(d.Segments())
}

// Sub returns the child directory d/name/. The name must be a single
// valid segment; callers parsing untrusted input should go through
// ParseDir instead.
func (d Dir) Sub(name string) Dir {
	return Dir{p: d.p + name + "/"}
}

// Child returns the file d/name. The name must be a single valid
// segment; callers parsing untrusted input should go through ParseFile.
func (d Dir) Child(name string) File {
	return File{p: d.p + name}
}

// Parent returns the enclosing directory; the root is its own parent.
func (d Dir) Parent() Dir {
	if d.IsRoot() {
		return d
	}
	trimmed := strings.TrimSuffix(d.p, "/")
	idx := strings.LastIndex(trimmed, "/")
	return Dir{p: trimmed[:idx+1]}
}

// Name returns the final segment, or "" for the root.
func (d Dir) Name() string {
	segs := d.Segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Contains reports whether p lies within d. A directory contains
// itself, every file and directory below it, and (if d is the root)
// everything.
func (d Dir) Contains(p Path) bool {
	switch t := p.(type) {
	case Dir:
		return strings.HasPrefix(t.p, d.p)
	case File:
		return strings.HasPrefix(t.p, d.p)
	default:
		return false
	}
}

// ContainsStrictly reports whether p lies below d, excluding d itself.
func (d Dir) ContainsStrictly(p Path) bool {
	if t, ok := p.(Dir); ok && t.p == d.p {
		return false
	}
	return d.Contains(p)
}

// Rel strips d as a prefix from p, producing the path as seen from a
// namespace rooted at d. Rel(d, d) is the root directory.
func (d Dir) Rel(p Path) (Path, error) {
	if !d.Contains(p) {
		return nil, fmt.Errorf("path %s is not under %s", p, d)
	}
	switch t := p.(type) {
	case Dir:
		rest := strings.TrimPrefix(t.p, d.p)
		if rest == "" {
			return Root(), nil
		}
		return Dir{p: "/" + rest}, nil
	case File:
		rest := strings.TrimPrefix(t.p, d.p)
		return File{p: "/" + rest}, nil
	default:
		return nil, fmt.Errorf("unknown path type %T", p)
	}
}

// Join resolves p (a path in a namespace rooted at d) back to the
// enclosing namespace: the inverse of Rel.
func (d Dir) Join(p Path) Path {
	switch t := p.(type) {
	case Dir:
		if t.IsRoot() {
			return d
		}
		return Dir{p: d.p + strings.TrimPrefix(t.p, "/")}
	case File:
		return File{p: d.p + strings.TrimPrefix(t.p, "/")}
	default:
		return nil
	}
}

// JoinFile is Join specialized to files, avoiding a type assertion at
// call sites that know the shape.
func (d Dir) JoinFile(f File) File {
	return File{p: d.p + strings.TrimPrefix(f.p, "/")}
}

// JoinDir is Join specialized to directories.
func (d Dir) JoinDir(sub Dir) Dir {
	if sub.IsRoot() {
		return d
	}
	return Dir{p: d.p + strings.TrimPrefix(sub.p, "/")}
}

func (f File) String() string { return f.p }
func (f File) IsDir() bool    { return false }

// IsZero reports whether f is the invalid zero value.
func (f File) IsZero() bool { return f.p == "" }

func (f File) Segments() []string {
	segs, _ := splitSegments(f.p)
	return segs
}

// Dir returns the directory containing f.
func (f File) Dir() Dir {
	idx := strings.LastIndex(f.p, "/")
	return Dir{p: f.p[:idx+1]}
}

// Name returns the final segment of f.
func (f File) Name() string {
	idx := strings.LastIndex(f.p, "/")
	return f.p[idx+1:]
}

// Equal reports whether two paths are the same path of the same kind.
func Equal(a, b Path) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IsDir() == b.IsDir() && a.String() == b.String()
}
