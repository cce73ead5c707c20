// Package store owns the canonical in-memory replica of every collaborative document,
// loads it from durable storage on first reference and writes it back.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"golang.org/x/sync/singleflight"

	"github.com/Jeff-Emmett/rspace-online/pkg/canvas"
	"github.com/Jeff-Emmett/rspace-online/pkg/storage"
)

const (
	CanonicalExt = ".automerge"
	LegacyExt    = ".json"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrAlreadyExists     = errors.New("document already exists")
	ErrInvalidSlug       = errors.New("slug must be lowercase letters, digits and hyphens")
	ErrInvalidInput      = errors.New("invalid input")
	ErrMigrationFailed   = errors.New("legacy document could not be migrated")
	ErrPersistenceFailed = errors.New("failed to persist document")
)

// Scheduler is told about every mutation of a resident document.
type Scheduler interface {
	Schedule(docID string)
}

type Store struct {
	backend   storage.Backend
	scheduler Scheduler
	now       func() time.Time

	mu       sync.RWMutex
	docs     map[string]*Document
	loads    singleflight.Group
	createMu sync.Mutex
}

type Option func(*Store)

func WithScheduler(s Scheduler) Option {
	return func(st *Store) {
		st.scheduler = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		st.now = now
	}
}

func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		docs:    make(map[string]*Document),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) resident(id string) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[id]
}

// register makes d resident unless another replica won the race, in which case the
// existing one is returned.
func (s *Store) register(d *Document) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.docs[d.id]; ok {
		return existing, false
	}
	s.docs[d.id] = d
	return d, true
}

// MarkDirty schedules persistence of docID.
func (s *Store) MarkDirty(docID string) {
	if s.scheduler != nil {
		s.scheduler.Schedule(docID)
	}
}

// Load returns the resident replica, reading it from storage on first reference.
// Canonical records win over legacy ones; a legacy record is imported and immediately
// written back in canonical form.
func (s *Store) Load(ctx context.Context, id string) (*Document, error) {
	if d := s.resident(id); d != nil {
		return d, nil
	}
	if !canvas.ValidSlug(id) {
		return nil, ErrNotFound
	}
	v, err, _ := s.loads.Do(id, func() (any, error) {
		if d := s.resident(id); d != nil {
			return d, nil
		}
		// shared by every caller waiting on id
		ctx := context.WithoutCancel(ctx)
		doc, migrated, err := s.read(ctx, id)
		if err != nil {
			return nil, err
		}
		d, fresh := s.register(newDocument(id, doc))
		if fresh {
			slog.Info("loaded document", "doc", id, "migrated", migrated)
		}
		if fresh && migrated {
			if err := s.Persist(ctx, id); err != nil {
				slog.Error("failed to write migrated document", "doc", id, "err", err)
			}
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (s *Store) read(ctx context.Context, id string) (*automerge.Doc, bool, error) {
	raw, err := s.backend.Read(ctx, id+CanonicalExt)
	if err == nil {
		doc, err := automerge.Load(raw)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load %s: %w", id+CanonicalExt, err)
		}
		return doc, false, nil
	} else if !errors.Is(err, storage.ErrNotExist) {
		return nil, false, err
	}

	raw, err = s.backend.Read(ctx, id+LegacyExt)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, false, ErrNotFound
	} else if err != nil {
		return nil, false, err
	}
	doc, err := s.migrate(id, raw)
	if err != nil {
		slog.Error("failed to migrate legacy document", "doc", id, "err", err)
		return nil, false, fmt.Errorf("%w: %w", ErrNotFound, ErrMigrationFailed)
	}
	return doc, true, nil
}

// migrate turns a legacy record into a replica whose history is one "import" change.
func (s *Store) migrate(id string, raw []byte) (*automerge.Doc, error) {
	legacy, err := canvas.DecodeLegacy(raw, id, s.now())
	if err != nil {
		return nil, err
	}
	doc := automerge.New()
	if err := canvas.Init(doc, legacy.Meta, legacy.Shapes); err != nil {
		return nil, err
	}
	if _, err := doc.Commit("import"); err != nil {
		return nil, fmt.Errorf("failed to commit import: %w", err)
	}
	return doc, nil
}

// Create initializes an empty document. The slug is the document id.
func (s *Store) Create(ctx context.Context, name, slug string) (*Document, error) {
	if !canvas.ValidSlug(slug) {
		return nil, ErrInvalidSlug
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()
	if ok, err := s.Exists(ctx, slug); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyExists
	}

	doc := automerge.New()
	if err := canvas.Init(doc, canvas.NewMeta(name, slug, s.now()), nil); err != nil {
		return nil, err
	}
	if _, err := doc.Commit("create"); err != nil {
		return nil, fmt.Errorf("failed to commit create: %w", err)
	}
	d, fresh := s.register(newDocument(slug, doc))
	if !fresh {
		return nil, ErrAlreadyExists
	}
	slog.Info("created document", "doc", slug, "name", name)
	s.MarkDirty(slug)
	return d, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if s.resident(id) != nil {
		return true, nil
	}
	if !canvas.ValidSlug(id) {
		return false, nil
	}
	for _, ext := range []string{CanonicalExt, LegacyExt} {
		ok, err := s.backend.Exists(ctx, id+ext)
		if err != nil {
			return false, fmt.Errorf("failed to check %s: %w", id+ext, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// List enumerates the ids of durable records. An id stored in both forms is listed once.
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	ids := make([]string, 0, len(names))
	for _, name := range names {
		var id string
		switch {
		case strings.HasSuffix(name, CanonicalExt):
			id = strings.TrimSuffix(name, CanonicalExt)
		case strings.HasSuffix(name, LegacyExt):
			id = strings.TrimSuffix(name, LegacyExt)
		default:
			continue
		}
		if !canvas.ValidSlug(id) || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Resident lists the ids currently held in memory.
func (s *Store) Resident() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithDocument runs fn with exclusive access to the replica. It is the critical section
// for every read-modify-write of a document; fn must not block on network I/O.
func (s *Store) WithDocument(id string, fn func(doc *automerge.Doc) error) error {
	d := s.resident(id)
	if d == nil {
		return ErrNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.doc)
}

// ApplyMutation runs mutator as one committed change and schedules persistence. It is a
// no-op for documents that are not resident; callers Load first. The mutator works on a
// fork that is merged back only after it commits, so a failed mutation leaves the
// replica untouched.
func (s *Store) ApplyMutation(id, message string, mutator func(doc *automerge.Doc) error) error {
	d := s.resident(id)
	if d == nil {
		slog.Debug("ignoring mutation of document that is not loaded", "doc", id)
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fork, err := d.doc.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork doc: %w", err)
	}
	if err := fork.SetActorID(d.doc.ActorID()); err != nil {
		return fmt.Errorf("failed to set actor: %w", err)
	}
	if err := mutator(fork); err != nil {
		return err
	}
	if _, err := fork.Commit(message); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	if _, err := d.doc.Merge(fork); err != nil {
		return fmt.Errorf("failed to merge change: %w", err)
	}
	s.MarkDirty(id)
	return nil
}

// Serialize returns the canonical encoding of the resident replica.
func (s *Store) Serialize(id string) ([]byte, error) {
	d := s.resident(id)
	if d == nil {
		return nil, ErrNotFound
	}
	return d.Save(), nil
}

// Persist writes the current replica, overwriting the canonical record. Writes of the
// same document never overlap, and each one serializes the state at write time.
func (s *Store) Persist(ctx context.Context, id string) error {
	d := s.resident(id)
	if d == nil {
		return ErrNotFound
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := s.backend.Write(ctx, id+CanonicalExt, d.Save()); err != nil {
		return fmt.Errorf("%w %s: %w", ErrPersistenceFailed, id, err)
	}
	return nil
}
