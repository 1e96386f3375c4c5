// Package layout models the directory hierarchies a workspace holds: the raw
// input tree (subject/session/acquisition) and the canonical output tree
// (collection/subject/session/acquisition).
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Kind identifies a level in a tree.
type Kind int

const (
	KindRoot Kind = iota
	KindCollection
	KindSubject
	KindSession
	KindAcquisition
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindCollection:
		return "collection"
	case KindSubject:
		return "subject"
	case KindSession:
		return "session"
	case KindAcquisition:
		return "acquisition"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node is one directory in a tree. The root node's Name is its full path.
type Node struct {
	Name   string
	Kind   Kind
	Parent *Node
}

// Path joins the names from the root down to n.
func (n *Node) Path() string {
	if n.Parent == nil {
		return n.Name
	}
	return filepath.Join(n.Parent.Path(), n.Name)
}

// Child returns a node for name one level below n. It does not touch disk.
func (n *Node) Child(name string, kind Kind) *Node {
	return &Node{Name: name, Kind: kind, Parent: n}
}

// Tree is a directory hierarchy with a fixed sequence of levels below its root.
type Tree struct {
	Root   *Node
	levels []Kind
}

var (
	inputLevels  = []Kind{KindSubject, KindSession, KindAcquisition}
	outputLevels = []Kind{KindCollection, KindSubject, KindSession, KindAcquisition}
)

// NewInputTree models a raw study tree rooted at root.
func NewInputTree(root string) *Tree {
	return &Tree{Root: &Node{Name: root, Kind: KindRoot}, levels: inputLevels}
}

// NewOutputTree models a canonical output or quarantine tree rooted at root.
func NewOutputTree(root string) *Tree {
	return &Tree{Root: &Node{Name: root, Kind: KindRoot}, levels: outputLevels}
}

// Session returns the output session node for collection/subject/session.
func (t *Tree) Session(collection, subject, session string) *Node {
	return t.Root.
		Child(collection, KindCollection).
		Child(subject, KindSubject).
		Child(session, KindSession)
}

// Nodes lists the directories at the level of kind in sorted order. Hidden
// entries and plain files are ignored. A missing root yields no nodes.
func (t *Tree) Nodes(kind Kind) ([]*Node, error) {
	depth := -1
	for i, k := range t.levels {
		if k == kind {
			depth = i
			break
		}
	}
	if depth < 0 {
		return nil, fmt.Errorf("tree has no %s level", kind)
	}
	current := []*Node{t.Root}
	for i := 0; i <= depth; i++ {
		var next []*Node
		for _, parent := range current {
			names, err := subdirNames(parent.Path())
			if err != nil {
				return nil, fmt.Errorf("list %s directories: %w", t.levels[i], err)
			}
			for _, name := range names {
				next = append(next, parent.Child(name, t.levels[i]))
			}
		}
		current = next
	}
	return current, nil
}

// Children lists the directories directly below n as nodes of kind, sorted
// by name. Hidden entries are ignored.
func Children(n *Node, kind Kind) ([]*Node, error) {
	names, err := subdirNames(n.Path())
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, n.Child(name, kind))
	}
	return out, nil
}

// Prune removes n and its ancestors while they are empty, stopping below the
// root. Directories that vanish or gain entries concurrently end the walk
// without error.
func (t *Tree) Prune(n *Node) error {
	for cur := n; cur != nil && cur.Kind != KindRoot; cur = cur.Parent {
		err := os.Remove(cur.Path())
		switch {
		case err == nil, errors.Is(err, os.ErrNotExist):
			continue
		case isNotEmpty(err):
			return nil
		default:
			return fmt.Errorf("prune %s: %w", cur.Kind, err)
		}
	}
	return nil
}

// RemoveEmpty removes empty directories of kind and then prunes their
// emptied ancestors.
func (t *Tree) RemoveEmpty(kind Kind) error {
	nodes, err := t.Nodes(kind)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := t.Prune(n); err != nil {
			return err
		}
	}
	return nil
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

func subdirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
