package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fpang/depth-curator/internal/keyed"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store is the process-wide session registry. Each session is mutated under
// its own lock; different sessions never contend.
type Store struct {
	sessions *keyed.Map[*Session]
	thumbDir string
	now      func() time.Time

	pinMu sync.Mutex
	// pins counts holders of each asset path; deferred lists pinned paths
	// whose asset was replaced or cleared and must go once unpinned.
	pins     map[string]int
	deferred map[string]bool
}

// NewStore creates an empty store. thumbDir is where thumbnail files for
// session assets live, so ClearAsset can remove them.
func NewStore(thumbDir string) *Store {
	return &Store{
		sessions: keyed.New[*Session](0),
		thumbDir: thumbDir,
		now:      time.Now,
		pins:     make(map[string]int),
		deferred: make(map[string]bool),
	}
}

// Create registers a fresh session with default configuration.
func (s *Store) Create() *Session {
	now := s.now()
	sess := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Patterns:   []Asset{},
		Thresholds: DefaultThresholds(),
		Stages:     DefaultStages(),
	}
	s.sessions.Insert(sess.ID, sess)
	log.Info().Str("sessionId", sess.ID).Msg("Session created")
	return sess.clone()
}

// Exists reports whether id names a live session.
func (s *Store) Exists(id string) bool {
	return s.sessions.Has(id)
}

// Get returns a deep copy of the session.
func (s *Store) Get(id string) (*Session, error) {
	var out *Session
	if !s.sessions.View(id, func(v **Session) { out = (*v).clone() }) {
		return nil, ErrNotFound
	}
	return out, nil
}

// update runs fn under the session's lock. fn returning an error leaves the
// session untouched because fn works on a clone that is only swapped in on
// success.
func (s *Store) update(id string, fn func(sess *Session) error) (*Session, error) {
	var out *Session
	var fnErr error
	found := s.sessions.With(id, func(v **Session) {
		next := (*v).clone()
		if fnErr = fn(next); fnErr != nil {
			return
		}
		next.UpdatedAt = s.now()
		*v = next
		out = next.clone()
	})
	if !found {
		return nil, ErrNotFound
	}
	return out, fnErr
}

// SetThreshold validates and stores one threshold. Numeric text is coerced.
func (s *Store) SetThreshold(id, name string, value any) (Thresholds, error) {
	canonical, err := CanonicalThreshold(name)
	if err != nil {
		return Thresholds{}, err
	}
	sess, err := s.update(id, func(sess *Session) error {
		next, err := sess.Thresholds.apply(canonical, value)
		if err != nil {
			return err
		}
		sess.Thresholds = next
		return nil
	})
	if err != nil {
		return Thresholds{}, err
	}
	log.Debug().Str("sessionId", id).Str("threshold", canonical).Interface("value", value).Msg("Threshold updated")
	return sess.Thresholds, nil
}

// SetStageEnabled toggles a single cascade stage.
func (s *Store) SetStageEnabled(id, name string, enabled bool) (Stages, error) {
	return s.SetStages(id, map[string]bool{name: enabled})
}

// SetStages applies several toggles at once. Any unknown name rejects the
// whole update.
func (s *Store) SetStages(id string, toggles map[string]bool) (Stages, error) {
	resolved := make(map[string]bool, len(toggles))
	for name, enabled := range toggles {
		canonical, err := CanonicalStage(name)
		if err != nil {
			return Stages{}, err
		}
		resolved[canonical] = enabled
	}
	sess, err := s.update(id, func(sess *Session) error {
		for name, enabled := range resolved {
			sess.Stages.set(name, enabled)
		}
		return nil
	})
	if err != nil {
		return Stages{}, err
	}
	log.Debug().Str("sessionId", id).Interface("stages", sess.Stages).Msg("Pipeline stages updated")
	return sess.Stages, nil
}

// RestoreDefaults resets thresholds and stage toggles to built-in values.
func (s *Store) RestoreDefaults(id string) (*Session, error) {
	return s.update(id, func(sess *Session) error {
		sess.Thresholds = DefaultThresholds()
		sess.Stages = DefaultStages()
		return nil
	})
}

// AttachAsset records an assembled asset on the session. Raw and depth
// assets replace any previous one, whose file is removed once no job holds
// it. The asset file must already exist.
func (s *Store) AttachAsset(id string, kind Kind, asset Asset) (*Session, error) {
	if _, err := os.Stat(asset.Path); err != nil {
		return nil, fmt.Errorf("attach %s asset: %w", kind, err)
	}
	s.adopt(asset.Path)
	var replaced *Asset
	sess, err := s.update(id, func(sess *Session) error {
		switch kind {
		case KindRaw:
			replaced, sess.Raw = sess.Raw, &asset
		case KindDepth:
			replaced, sess.Depth = sess.Depth, &asset
		case KindPattern:
			for _, p := range sess.Patterns {
				if p.ID == asset.ID {
					return invalid("item_id", "pattern %q already attached", asset.ID)
				}
			}
			sess.Patterns = append(sess.Patterns, asset)
		default:
			return invalid("file_type", "unknown asset kind %q", kind)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replaced != nil && replaced.Path != asset.Path {
		old := *replaced
		if old.Thumbnail == asset.Thumbnail {
			old.Thumbnail = ""
		}
		s.removeFiles(old)
	}
	log.Info().
		Str("sessionId", id).
		Str("kind", string(kind)).
		Str("asset", asset.Name).
		Str("thumbnail", asset.Thumbnail).
		Msg("Asset attached to session")
	return sess, nil
}

// ClearAsset removes assets of kind from the session and deletes their
// files and thumbnails. Files pinned by a job are deleted on release. For
// patterns, an empty itemID clears all of them.
func (s *Store) ClearAsset(id string, kind Kind, itemID string) (*Session, error) {
	var removed []Asset
	sess, err := s.update(id, func(sess *Session) error {
		removed = nil
		switch kind {
		case KindRaw:
			if sess.Raw != nil {
				removed = append(removed, *sess.Raw)
			}
			sess.Raw = nil
		case KindDepth:
			if sess.Depth != nil {
				removed = append(removed, *sess.Depth)
			}
			sess.Depth = nil
		case KindPattern:
			if itemID == "" {
				removed = sess.Patterns
				sess.Patterns = []Asset{}
				return nil
			}
			kept := make([]Asset, 0, len(sess.Patterns))
			for _, p := range sess.Patterns {
				if p.ID == itemID || p.Name == itemID {
					removed = append(removed, p)
					continue
				}
				kept = append(kept, p)
			}
			if len(removed) == 0 {
				return invalid("item_id", "pattern %q not found", itemID)
			}
			sess.Patterns = kept
		default:
			return invalid("kind", "unknown asset kind %q", kind)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, a := range removed {
		s.removeFiles(a)
	}
	log.Info().Str("sessionId", id).Str("kind", string(kind)).Int("removed", len(removed)).Msg("Session assets cleared")
	return sess, nil
}

// Pin keeps the files at paths on disk until a matching Release, even if
// their assets are replaced or cleared in the meantime.
func (s *Store) Pin(paths ...string) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	for _, p := range paths {
		if p != "" {
			s.pins[p]++
		}
	}
}

// Release drops one pin per path. A path whose asset left its session while
// pinned is deleted when its last pin goes. Unpinned paths are ignored.
func (s *Store) Release(paths ...string) {
	var remove []string
	s.pinMu.Lock()
	for _, p := range paths {
		if s.pins[p] == 0 {
			continue
		}
		s.pins[p]--
		if s.pins[p] > 0 {
			continue
		}
		delete(s.pins, p)
		if s.deferred[p] {
			delete(s.deferred, p)
			remove = append(remove, p)
		}
	}
	s.pinMu.Unlock()

	for _, p := range remove {
		removeAssetFile(p)
	}
}

// adopt cancels a pending deferred deletion when a path is attached again.
func (s *Store) adopt(path string) {
	s.pinMu.Lock()
	delete(s.deferred, path)
	s.pinMu.Unlock()
}

func (s *Store) removeFiles(a Asset) {
	s.pinMu.Lock()
	pinned := s.pins[a.Path] > 0
	if pinned {
		s.deferred[a.Path] = true
	}
	s.pinMu.Unlock()
	if pinned {
		log.Debug().Str("path", a.Path).Msg("Asset file in use by a job, deletion deferred")
	} else {
		removeAssetFile(a.Path)
	}
	if a.Thumbnail != "" && s.thumbDir != "" {
		thumb := filepath.Join(s.thumbDir, a.Thumbnail)
		if err := os.Remove(thumb); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", thumb).Msg("Failed to remove thumbnail")
		}
	}
}

func removeAssetFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove asset file")
	}
}
