package annotation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("annotation not found")
	ErrInvalid  = errors.New("invalid annotation")
)

const DefaultMaxBodyLength = 10000

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Annotation is the canonical, server-assigned record. Only Body and
// UpdatedAt change after creation.
type Annotation struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	PageNumber   int       `json:"pageNumber"`
	AuthorID     string    `json:"authorId"`
	AuthorName   string    `json:"authorName"`
	AuthorAvatar string    `json:"authorAvatar,omitempty"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Position     *Position `json:"position,omitempty"`
	ClientRef    string    `json:"clientRef,omitempty"`
}

// Draft is what a client proposes. Ids and timestamps are never taken from it.
type Draft struct {
	PageNumber   int       `json:"pageNumber"`
	AuthorID     string    `json:"authorId,omitempty"`
	AuthorName   string    `json:"authorName,omitempty"`
	AuthorAvatar string    `json:"authorAvatar,omitempty"`
	Body         string    `json:"body"`
	Position     *Position `json:"position,omitempty"`
	ClientRef    string    `json:"clientRef,omitempty"`
}

func (d Draft) Validate(maxBody int) error {
	if d.PageNumber < 1 {
		return fmt.Errorf("%w: pageNumber must be a positive integer, got %d", ErrInvalid, d.PageNumber)
	}
	return ValidateBody(d.Body, maxBody)
}

func ValidateBody(body string, maxBody int) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalid)
	}
	if maxBody > 0 && utf8.RuneCountInString(body) > maxBody {
		return fmt.Errorf("%w: body exceeds %d characters", ErrInvalid, maxBody)
	}
	return nil
}

type Option func(*Store)

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMaxBodyLength(n int) Option {
	return func(s *Store) { s.maxBody = n }
}

// Store holds every document's annotations in creation order.
//
// Not safe for concurrent use; the hub event loop owns it.
type Store struct {
	docs map[string][]Annotation
	// every id ever handed out, so a deleted id is never issued again
	issued  map[string]struct{}
	last    time.Time
	newID   func() string
	now     func() time.Time
	maxBody int
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		docs:    make(map[string][]Annotation),
		issued:  make(map[string]struct{}),
		newID:   uuid.NewString,
		now:     time.Now,
		maxBody: DefaultMaxBodyLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns a copy of documentID's annotations, oldest first.
func (s *Store) List(documentID string) []Annotation {
	list := s.docs[documentID]
	out := make([]Annotation, len(list))
	copy(out, list)
	return out
}

func (s *Store) Get(documentID, id string) (Annotation, error) {
	i := s.indexOf(documentID, id)
	if i < 0 {
		return Annotation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.docs[documentID][i], nil
}

func (s *Store) Create(documentID string, d Draft) (Annotation, error) {
	if documentID == "" {
		return Annotation{}, fmt.Errorf("%w: documentId is required", ErrInvalid)
	}
	if err := d.Validate(s.maxBody); err != nil {
		return Annotation{}, err
	}

	id, err := s.allocateID()
	if err != nil {
		return Annotation{}, err
	}

	ts := s.tick()
	a := Annotation{
		ID:           id,
		DocumentID:   documentID,
		PageNumber:   d.PageNumber,
		AuthorID:     d.AuthorID,
		AuthorName:   d.AuthorName,
		AuthorAvatar: d.AuthorAvatar,
		Body:         d.Body,
		CreatedAt:    ts,
		UpdatedAt:    ts,
		Position:     d.Position,
		ClientRef:    d.ClientRef,
	}
	// tick() is strictly increasing, so appending keeps createdAt order
	s.docs[documentID] = append(s.docs[documentID], a)
	return a, nil
}

// Update replaces the body. Concurrent edits resolve last-write-wins.
func (s *Store) Update(documentID, id, body string) (Annotation, error) {
	i := s.indexOf(documentID, id)
	if i < 0 {
		return Annotation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ValidateBody(body, s.maxBody); err != nil {
		return Annotation{}, err
	}

	a := &s.docs[documentID][i]
	a.Body = body
	a.UpdatedAt = s.tick()
	return *a, nil
}

func (s *Store) Delete(documentID, id string) error {
	i := s.indexOf(documentID, id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	list := s.docs[documentID]
	s.docs[documentID] = append(list[:i:i], list[i+1:]...)
	if len(s.docs[documentID]) == 0 {
		delete(s.docs, documentID)
	}
	return nil
}

// Purge drops every annotation of documentID and reports how many went.
// Their ids stay retired.
func (s *Store) Purge(documentID string) int {
	n := len(s.docs[documentID])
	delete(s.docs, documentID)
	return n
}

func (s *Store) Count(documentID string) int {
	return len(s.docs[documentID])
}

// Total is the number of live annotations across all documents.
func (s *Store) Total() int {
	n := 0
	for _, list := range s.docs {
		n += len(list)
	}
	return n
}

func (s *Store) indexOf(documentID, id string) int {
	for i, a := range s.docs[documentID] {
		if a.ID == id {
			return i
		}
	}
	return -1
}

const maxIDAttempts = 8

func (s *Store) allocateID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.newID()
		if _, used := s.issued[id]; used || id == "" {
			continue
		}
		s.issued[id] = struct{}{}
		return id, nil
	}
	return "", fmt.Errorf("annotation: id generator produced %d used ids in a row", maxIDAttempts)
}

// tick returns the current time, nudged forward when the clock has not
// advanced past the last value handed out.
func (s *Store) tick() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
	}
	s.last = ts
	return ts
}
