package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hupe1980/flowmesh/core"
)

// ErrInvalidName is returned for names that would escape the export directory.
var ErrInvalidName = errors.New("invalid artifact name")

// Ref identifies one stored artifact.
type Ref struct {
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	Name        string `json:"name"`
	Size        int    `json:"size"`
}

// Collect lists the artifacts of the given sessions in session order.
func Collect(ctx context.Context, src core.ArtifactStore, sessions []*core.Session) ([]Ref, error) {
	var refs []Ref
	for _, s := range sessions {
		names, err := src.ListArtifacts(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("list artifacts of %s: %w", s.ID, err)
		}
		for _, name := range names {
			data, err := src.GetArtifact(ctx, s.ID, name)
			if err != nil {
				return nil, fmt.Errorf("read artifact %s/%s: %w", s.ID, name, err)
			}
			refs = append(refs, Ref{SessionID: s.ID, SessionName: s.Name, Name: name, Size: len(data)})
		}
	}
	return refs, nil
}

// Copy copies the referenced artifacts from src to dst.
func Copy(ctx context.Context, dst, src core.ArtifactStore, refs []Ref) error {
	for _, r := range refs {
		data, err := src.GetArtifact(ctx, r.SessionID, r.Name)
		if err != nil {
			return fmt.Errorf("read artifact %s/%s: %w", r.SessionID, r.Name, err)
		}
		if err := dst.SaveArtifact(ctx, r.SessionID, r.Name, data); err != nil {
			return fmt.Errorf("save artifact %s/%s: %w", r.SessionID, r.Name, err)
		}
	}
	return nil
}

// WriteDir writes each referenced artifact to <dir>/<session-id>/<name> and
// returns the written paths.
func WriteDir(ctx context.Context, src core.ArtifactStore, refs []Ref, dir string) ([]string, error) {
	paths := make([]string, 0, len(refs))
	for _, r := range refs {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		if !safe(r.SessionID) || !safe(r.Name) {
			return paths, fmt.Errorf("%w: %s/%s", ErrInvalidName, r.SessionID, r.Name)
		}
		data, err := src.GetArtifact(ctx, r.SessionID, r.Name)
		if err != nil {
			return paths, fmt.Errorf("read artifact %s/%s: %w", r.SessionID, r.Name, err)
		}
		path := filepath.Join(dir, r.SessionID, r.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return paths, fmt.Errorf("create artifact dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("write artifact: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func safe(name string) bool {
	return name != "" && name != "." && name != ".." && name == filepath.Base(name)
}
