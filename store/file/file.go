// Package file provides a durable Store that keeps one pretty printed JSON
// document per session and per message below a project's .flow directory:
//
//	.flow/
//	  metadata.json
//	  sessions/<id>.json
//	  messages/<id>.json
//	  history/<id>-<unix-ms>.json
//	  artifacts/<session-id>/<name>
//
// Every session write also drops a snapshot into history/. Writes go through
// a temp file and a rename so readers never observe partial documents. New
// message files are announced through an fsnotify watcher on messages/.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

var (
	_ core.Store          = (*Store)(nil)
	_ core.Initializer    = (*Store)(nil)
	_ core.MessageWatcher = (*Store)(nil)
	_ core.MessagePurger  = (*Store)(nil)
	_ core.ArtifactStore  = (*Store)(nil)
)

// FormatVersion is written to metadata.json.
const FormatVersion = "1.0.0"

const (
	sessionsDir  = "sessions"
	messagesDir  = "messages"
	historyDir   = "history"
	artifactsDir = "artifacts"
	metadataFile = "metadata.json"
)

// ErrInvalidName is returned for artifact names that would escape the session directory.
var ErrInvalidName = errors.New("invalid artifact name")

// Metadata describes a .flow directory.
type Metadata struct {
	Version    string    `json:"version"`
	Created    time.Time `json:"created"`
	ProjectDir string    `json:"projectDir"`
}

// Options configures the file store.
type Options struct {
	// ProjectDir is the directory holding the .flow folder. Init may override it.
	ProjectDir string
	// DirName is the name of the state folder below ProjectDir.
	DirName string
	// KeepHistory enables history snapshots on every session write.
	KeepHistory bool
	// PollInterval drives the fallback nudges when fsnotify is unavailable.
	PollInterval time.Duration
	Logger       logging.Logger
}

// Store is the file system backend.
type Store struct {
	opts Options

	mu   sync.Mutex // serialises read-modify-write cycles
	root string
}

// New constructs a file store rooted at <ProjectDir>/<DirName>. Directories
// are created lazily on first use or by Init.
func New(optFns ...func(o *Options)) *Store {
	opts := Options{
		ProjectDir:   ".",
		DirName:      ".flow",
		KeepHistory:  true,
		PollInterval: 2 * time.Second,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{opts: opts, root: filepath.Join(opts.ProjectDir, opts.DirName)}
}

// Open is a shortcut for New followed by Init.
func Open(ctx context.Context, projectDir string, optFns ...func(o *Options)) (*Store, error) {
	s := New(optFns...)
	if err := s.Init(ctx, projectDir); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the path of the .flow directory.
func (s *Store) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Init creates the directory layout and metadata.json below projectDir. An
// empty projectDir keeps the configured one. Existing metadata is preserved.
func (s *Store) Init(ctx context.Context, projectDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if projectDir != "" {
		s.opts.ProjectDir = projectDir
		s.root = filepath.Join(projectDir, s.opts.DirName)
	}
	if err := s.ensureLayout(); err != nil {
		return err
	}
	metaPath := filepath.Join(s.root, metadataFile)
	if _, err := os.Stat(metaPath); err == nil {
		return nil
	}
	abs, err := filepath.Abs(s.opts.ProjectDir)
	if err != nil {
		abs = s.opts.ProjectDir
	}
	meta := Metadata{Version: FormatVersion, Created: time.Now().UTC(), ProjectDir: abs}
	if err := writeJSON(metaPath, meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	s.opts.Logger.Info("flow directory initialised", "path", s.root)
	return nil
}

// Metadata reads metadata.json.
func (s *Store) Metadata(ctx context.Context) (Metadata, error) {
	var meta Metadata
	if err := ctx.Err(); err != nil {
		return meta, err
	}
	err := readJSON(filepath.Join(s.Root(), metadataFile), &meta)
	return meta, err
}

func (s *Store) ensureLayout() error {
	for _, dir := range []string{sessionsDir, messagesDir, historyDir, artifactsDir} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// WriteSession writes sessions/<id>.json and a history snapshot.
func (s *Store) WriteSession(ctx context.Context, sess *core.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLayout(); err != nil {
		return err
	}
	if err := writeJSON(s.path(sessionsDir, sess.ID+".json"), sess); err != nil {
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	if s.opts.KeepHistory {
		name := fmt.Sprintf("%s-%d.json", sess.ID, time.Now().UnixMilli())
		if err := writeJSON(s.path(historyDir, name), sess); err != nil {
			return fmt.Errorf("write history %s: %w", sess.ID, err)
		}
	}
	return nil
}

// ReadSession reads sessions/<id>.json.
func (s *Store) ReadSession(ctx context.Context, id string) (*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var sess core.Session
	if err := readJSON(s.path(sessionsDir, id+".json"), &sess); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions reads every session document ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Session, 0)
	err := eachJSON(s.path(sessionsDir), func(path string) error {
		var sess core.Session
		if err := readJSON(path, &sess); err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		out = append(out, &sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// History returns the snapshots recorded for a session, oldest first.
func (s *Store) History(ctx context.Context, id string) ([]*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	err := eachJSON(s.path(historyDir), func(path string) error {
		if strings.HasPrefix(filepath.Base(path), id+"-") {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]*core.Session, 0, len(names))
	for _, path := range names {
		var sess core.Session
		if err := readJSON(path, &sess); err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		out = append(out, &sess)
	}
	return out, nil
}

// WriteMessage writes messages/<id>.json.
func (s *Store) WriteMessage(ctx context.Context, m core.SessionMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLayout(); err != nil {
		return err
	}
	if err := writeJSON(s.path(messagesDir, m.ID+".json"), m); err != nil {
		return fmt.Errorf("write message %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) readMessages(keep func(m core.SessionMessage) bool) ([]core.SessionMessage, error) {
	out := make([]core.SessionMessage, 0)
	err := eachJSON(s.path(messagesDir), func(path string) error {
		var m core.SessionMessage
		if err := readJSON(path, &m); err != nil {
			// A message file can vanish between listing and reading when purged concurrently.
			if errors.Is(err, core.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if keep(m) {
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// ReadPendingMessages returns pending messages ordered by timestamp.
func (s *Store) ReadPendingMessages(ctx context.Context) ([]core.SessionMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMessages(func(m core.SessionMessage) bool { return m.Status == core.MessagePending })
}

// ListMessages returns messages from or to sessionID (all when empty).
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]core.SessionMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMessages(func(m core.SessionMessage) bool {
		return sessionID == "" || m.From == sessionID || m.To == sessionID
	})
}

// MarkProcessed rewrites the message file with status processed.
func (s *Store) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(messagesDir, id+".json")
	var m core.SessionMessage
	if err := readJSON(path, &m); err != nil {
		return fmt.Errorf("message %s: %w", id, err)
	}
	if m.Status == core.MessageProcessed {
		return nil
	}
	m.Status = core.MessageProcessed
	at = at.UTC()
	m.ProcessedAt = &at
	return writeJSON(path, m)
}

// PurgeMessages deletes processed message files older than cutoff.
func (s *Store) PurgeMessages(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, err := s.readMessages(func(m core.SessionMessage) bool {
		return m.Status == core.MessageProcessed && m.Timestamp.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range old {
		if err := os.Remove(s.path(messagesDir, m.ID+".json")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, fmt.Errorf("remove message %s: %w", m.ID, err)
		}
		n++
	}
	if n > 0 {
		s.opts.Logger.Info("purged processed messages", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Clear removes every session, message, snapshot and artifact but keeps
// metadata.json.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dir := range []string{sessionsDir, messagesDir, historyDir, artifactsDir} {
		if err := os.RemoveAll(s.path(dir)); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	return s.ensureLayout()
}

// WatchMessages nudges the returned channel whenever a file in messages/ is
// created or rewritten. When no watcher can be installed it degrades to a
// ticker firing every PollInterval.
func (s *Store) WatchMessages(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	if err := s.ensureLayout(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	dir := s.path(messagesDir)
	s.mu.Unlock()

	ch := make(chan struct{}, 1)
	nudge := func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(dir); addErr != nil {
			_ = watcher.Close()
			err = addErr
		}
	}
	if err != nil {
		s.opts.Logger.Warn("message watcher unavailable, falling back to polling", "error", err)
		go func() {
			defer close(ch)
			ticker := time.NewTicker(s.opts.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					nudge()
				}
			}
		}()
		return ch, nil
	}

	go func() {
		defer close(ch)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if isMessageEvent(ev) {
					nudge()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.opts.Logger.Warn("message watcher error", "error", werr)
				nudge()
			}
		}
	}()
	return ch, nil
}

func isMessageEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

func (s *Store) artifactPath(sessionID, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if sessionID == "" || sessionID != filepath.Base(sessionID) || sessionID == ".." {
		return "", fmt.Errorf("%w: session %q", ErrInvalidName, sessionID)
	}
	return s.path(artifactsDir, sessionID, name), nil
}

// SaveArtifact writes artifacts/<sessionID>/<name>.
func (s *Store) SaveArtifact(ctx context.Context, sessionID, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.artifactPath(sessionID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return writeFileAtomic(path, data)
}

// GetArtifact reads artifacts/<sessionID>/<name>.
func (s *Store) GetArtifact(ctx context.Context, sessionID, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.artifactPath(sessionID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s/%s: %w", sessionID, name, core.ErrNotFound)
	}
	return data, err
}

// ListArtifacts returns the sorted artifact names of a session.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.path(artifactsDir, filepath.Base(sessionID)))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteArtifact removes artifacts/<sessionID>/<name>.
func (s *Store) DeleteArtifact(ctx context.Context, sessionID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.artifactPath(sessionID, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("artifact %s/%s: %w", sessionID, name, core.ErrNotFound)
		}
		return err
	}
	return nil
}

func eachJSON(dir string, fn func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		if err := fn(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// writeFileAtomic writes to a dot-prefixed temp file in the same directory
// and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
