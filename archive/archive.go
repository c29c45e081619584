// Package archive exports a session hierarchy to a portable JSON document
// and imports it back into a store.
//
// An archive holds the root session with its descendants nested under
// "children", the export time and a format version:
//
//	{
//	  "session": { "id": "...", "type": "manager", ..., "children": [ ... ] },
//	  "exportDate": "2026-01-02T15:04:05Z",
//	  "version": "1.0.0"
//	}
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/registry"
)

// Version is the archive format version written by Export.
const Version = "1.0.0"

// ErrInvalidArchive is returned for documents that are not flowmesh archives.
var ErrInvalidArchive = errors.New("invalid archive format")

// Node is a session with its descendants inlined.
type Node struct {
	*core.Session
	Children []*Node `json:"children,omitempty"`
}

// Archive is the exported document.
type Archive struct {
	Session    *Node     `json:"session"`
	ExportDate time.Time `json:"exportDate"`
	Version    string    `json:"version"`
}

// Sessions flattens the archive depth-first, parents before children.
func (a *Archive) Sessions() []*core.Session {
	var out []*core.Session
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n.Session)
		for _, c := range n.Children {
			walk(c)
		}
	}
	if a.Session != nil {
		walk(a.Session)
	}
	return out
}

// Export reads rootID and its descendants from store.
func Export(ctx context.Context, store core.Store, rootID string) (*Archive, error) {
	root, err := load(ctx, store, rootID, make(map[string]struct{}))
	if err != nil {
		return nil, err
	}
	return &Archive{Session: root, ExportDate: time.Now().UTC(), Version: Version}, nil
}

func load(ctx context.Context, store core.Store, id string, seen map[string]struct{}) (*Node, error) {
	if _, dup := seen[id]; dup {
		return nil, fmt.Errorf("session %s appears twice in the hierarchy", id)
	}
	seen[id] = struct{}{}

	s, err := store.ReadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("export session %s: %w", id, err)
	}
	n := &Node{Session: s}
	for _, cid := range s.ChildIDs {
		c, err := load(ctx, store, cid, seen)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, c)
	}
	return n, nil
}

// FromTree builds an archive from a registry tree view.
func FromTree(t *registry.Node) *Archive {
	var conv func(n *registry.Node) *Node
	conv = func(n *registry.Node) *Node {
		out := &Node{Session: n.Session}
		for _, c := range n.Children {
			out.Children = append(out.Children, conv(c))
		}
		return out
	}
	return &Archive{Session: conv(t), ExportDate: time.Now().UTC(), Version: Version}
}

// Write encodes a as indented JSON.
func Write(w io.Writer, a *Archive) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	return nil
}

// Read decodes and validates an archive.
func Read(r io.Reader) (*Archive, error) {
	var a Archive
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks the format version and the parent links of the tree.
func (a *Archive) Validate() error {
	if a.Session == nil || a.Session.Session == nil {
		return fmt.Errorf("%w: missing session", ErrInvalidArchive)
	}
	if major(a.Version) != major(Version) {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidArchive, a.Version)
	}
	var errs []error
	var check func(n *Node)
	check = func(n *Node) {
		if err := n.Session.Validate(); err != nil {
			errs = append(errs, err)
		}
		for _, c := range n.Children {
			if c == nil || c.Session == nil {
				errs = append(errs, fmt.Errorf("session %s has an empty child", n.ID))
				continue
			}
			if c.ParentID != n.ID {
				errs = append(errs, fmt.Errorf("child %s of %s points to parent %q", c.ID, n.ID, c.ParentID))
			}
			check(c)
		}
	}
	check(a.Session)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	return nil
}

func major(v string) string {
	before, _, _ := strings.Cut(v, ".")
	return before
}

// Import writes every session of a to store, parents first, and returns
// the root session.
func Import(ctx context.Context, store core.Store, a *Archive) (*core.Session, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	for _, s := range a.Sessions() {
		if err := store.WriteSession(ctx, s); err != nil {
			return nil, fmt.Errorf("import session %s: %w", s.ID, err)
		}
	}
	return a.Session.Session.Clone(), nil
}
