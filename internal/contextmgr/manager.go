// Package contextmgr loads, reloads and renders the file-backed context that
// primes an agent session.
package contextmgr

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/vinayprograms/agentkit/logging"
)

// DefaultMaxFileBytes is the size above which a context file is skipped.
const DefaultMaxFileBytes = 256 * 1024

// Options configures a Manager. They are carried by every snapshot so that a
// reload resolves paths exactly like the load that produced it.
type Options struct {
	BasePath     string
	MaxFileBytes int64    // 0 = DefaultMaxFileBytes, <0 = unlimited
	Allow        []string // doublestar globs on the relative path or base name
	Deny         []string

	Logger *logging.Logger
}

// Pattern is one CONTEXT directive.
type Pattern struct {
	Pattern  string
	Optional bool
}

// Entry is one loaded source.
type Entry struct {
	Path      string    `json:"path"` // relative to the base path
	Ref       Ref       `json:"ref"`
	Content   string    `json:"content"`
	LineStart int       `json:"line_start,omitempty"` // clamped range actually extracted
	LineEnd   int       `json:"line_end,omitempty"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// Missing records a pattern or tracked path that produced no content.
type Missing struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Snapshot is an ordered set of entries, unique by path.
type Snapshot struct {
	Patterns []Pattern `json:"patterns"`
	Options  Options   `json:"-"`
	Tracked  []Ref     `json:"tracked"`
	Entries  []Entry   `json:"entries"`
	Missing  []Missing `json:"missing,omitempty"`
	TakenAt  time.Time `json:"taken_at"`
}

// Manager reads context sources from disk.
type Manager struct {
	opts   Options
	logger *logging.Logger
	now    func() time.Time
}

// New creates a manager.
func New(opts Options) *Manager {
	if opts.BasePath == "" {
		opts.BasePath = "."
	}
	if opts.MaxFileBytes == 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Manager{
		opts:   opts,
		logger: logger.WithComponent("context"),
		now:    time.Now,
	}
}

// Load expands patterns into a snapshot. Only malformed patterns are errors;
// unmatched or unreadable sources are recorded in Snapshot.Missing.
func (m *Manager) Load(patterns []Pattern) (*Snapshot, error) {
	snap := &Snapshot{
		Patterns: append([]Pattern(nil), patterns...),
		Options:  m.opts,
		TakenAt:  m.now(),
	}

	seen := make(map[string]bool)
	for _, p := range patterns {
		refs, err := m.expand(p.Pattern)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			if !p.Optional {
				snap.Missing = append(snap.Missing, Missing{Path: p.Pattern, Reason: "no match"})
			}
			continue
		}
		for _, ref := range refs {
			if seen[ref.Path] {
				continue
			}
			seen[ref.Path] = true
			snap.Tracked = append(snap.Tracked, ref)
		}
	}

	m.read(snap)
	m.logger.Debug("context loaded", map[string]interface{}{
		"patterns": len(patterns),
		"entries":  len(snap.Entries),
		"missing":  len(snap.Missing),
	})
	return snap, nil
}

// Reload re-reads every tracked path of snap. The tracked set is never
// changed: a path that disappeared is dropped from Entries and flagged in
// Missing, and comes back on a later reload if it reappears.
func (m *Manager) Reload(snap *Snapshot) *Snapshot {
	next := &Snapshot{
		Patterns: append([]Pattern(nil), snap.Patterns...),
		Options:  snap.Options,
		Tracked:  append([]Ref(nil), snap.Tracked...),
		TakenAt:  m.now(),
	}
	for _, missing := range snap.Missing {
		if missing.Reason == "no match" {
			next.Missing = append(next.Missing, missing)
		}
	}

	m.read(next)
	for _, missing := range next.Missing {
		if missing.Reason != "no match" {
			m.logger.Warn("tracked context source unavailable", map[string]interface{}{
				"path":   missing.Path,
				"reason": missing.Reason,
			})
		}
	}
	return next
}

// read fills Entries (and Missing) for every tracked ref.
func (m *Manager) read(snap *Snapshot) {
	base := snap.Options.BasePath
	limit := snap.Options.MaxFileBytes
	for _, ref := range snap.Tracked {
		full := filepath.Join(base, ref.Path)
		info, err := os.Stat(full)
		if err != nil {
			reason := "unreadable"
			if os.IsNotExist(err) {
				reason = "deleted"
			}
			snap.Missing = append(snap.Missing, Missing{Path: ref.Path, Reason: reason})
			continue
		}
		if limit > 0 && info.Size() > limit {
			snap.Missing = append(snap.Missing, Missing{
				Path:   ref.Path,
				Reason: fmt.Sprintf("exceeds size limit (%d > %d bytes)", info.Size(), limit),
			})
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			snap.Missing = append(snap.Missing, Missing{Path: ref.Path, Reason: "unreadable"})
			continue
		}

		content, start, end := ref.extract(string(data))
		snap.Entries = append(snap.Entries, Entry{
			Path:      ref.Path,
			Ref:       ref,
			Content:   content,
			LineStart: start,
			LineEnd:   end,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			LoadedAt:  snap.TakenAt,
		})
	}
}

// expand resolves one pattern to refs relative to the base path, sorted.
func (m *Manager) expand(pattern string) ([]Ref, error) {
	ref, err := ParseRef(pattern)
	if err != nil {
		return nil, err
	}
	if !strings.ContainsAny(ref.Path, "*?[{") {
		if !m.allowed(ref.Path) {
			return nil, nil
		}
		if _, err := os.Stat(filepath.Join(m.opts.BasePath, ref.Path)); err != nil {
			return nil, nil
		}
		return []Ref{ref}, nil
	}

	if ref.HasRange() {
		return nil, fmt.Errorf("line range not allowed on glob %q", pattern)
	}
	// The literal prefix becomes the fs root; the rest is matched below it.
	prefix, glob := doublestar.SplitPattern(filepath.ToSlash(ref.Path))
	root := filepath.Join(m.opts.BasePath, filepath.FromSlash(prefix))
	matches, err := doublestar.Glob(os.DirFS(root), glob)
	if err != nil {
		return nil, fmt.Errorf("invalid context pattern %q: %w", pattern, err)
	}
	sort.Strings(matches)

	var refs []Ref
	for _, match := range matches {
		full := filepath.Join(root, filepath.FromSlash(match))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(m.opts.BasePath, full)
		if err != nil {
			rel = full
		}
		rel = filepath.ToSlash(rel)
		if m.allowed(rel) {
			refs = append(refs, Ref{Path: rel})
		}
	}
	return refs, nil
}

func (m *Manager) allowed(rel string) bool {
	if matchAny(m.opts.Deny, rel) {
		return false
	}
	return len(m.opts.Allow) == 0 || matchAny(m.opts.Allow, rel)
}

// matchAny reports whether rel, or its base name, matches one of globs.
// "**" spans directories, so "lib/**" covers everything below lib.
func matchAny(globs []string, rel string) bool {
	rel = filepath.ToSlash(rel)
	name := path.Base(rel)
	for _, g := range globs {
		g = strings.TrimPrefix(filepath.ToSlash(g), "./")
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, name); ok {
			return true
		}
	}
	return false
}

// Paths returns the tracked paths in order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, len(s.Tracked))
	for i, ref := range s.Tracked {
		paths[i] = ref.Path
	}
	return paths
}

// Entry returns the loaded entry for path, if any.
func (s *Snapshot) Entry(path string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// Dropped lists tracked paths that could not be read by the last load or reload.
func (s *Snapshot) Dropped() []Missing {
	var out []Missing
	for _, m := range s.Missing {
		if m.Reason != "no match" {
			out = append(out, m)
		}
	}
	return out
}
