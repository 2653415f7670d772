package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type sequenceCodes struct {
	mu    sync.Mutex
	codes []Code
	index int
}

func newSequenceCodes(codes ...string) *sequenceCodes {
	generator := &sequenceCodes{}
	for _, code := range codes {
		generator.codes = append(generator.codes, Code(code))
	}
	return generator
}

func (g *sequenceCodes) NewCode() (Code, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.codes) {
		return "", errors.New("exhausted codes")
	}
	code := g.codes[g.index]
	g.index++
	return code, nil
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, delay time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, delay)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type goneEvent struct {
	code   string
	reason GoneReason
}

type goneRecorder struct {
	mu     sync.Mutex
	events []goneEvent
}

func (r *goneRecorder) PublishGone(code string, reason GoneReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, goneEvent{code: code, reason: reason})
}

func (r *goneRecorder) Events() []goneEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]goneEvent(nil), r.events...)
}

// memoryStore is an in-process Store with hooks for injecting failures.
type memoryStore struct {
	mu           sync.Mutex
	notes        map[string]Note
	selects      int
	insertErrors []error
	forceCollide bool
	// rivals are written by a concurrent creator between a caller's lookup
	// and its insert.
	rivals map[string]Note
}

func newMemoryStore() *memoryStore {
	return &memoryStore{notes: make(map[string]Note)}
}

func (s *memoryStore) Insert(_ context.Context, note Note) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.insertErrors) > 0 {
		err := s.insertErrors[0]
		s.insertErrors = s.insertErrors[1:]
		if err != nil {
			return InsertFailed, err
		}
	}
	if s.forceCollide {
		return InsertCollision, nil
	}
	if rival, ok := s.rivals[note.Code]; ok {
		delete(s.rivals, note.Code)
		s.notes[note.Code] = rival
		return InsertCollision, nil
	}
	if _, exists := s.notes[note.Code]; exists {
		return InsertCollision, nil
	}
	s.notes[note.Code] = note
	return Inserted, nil
}

func (s *memoryStore) SelectOne(_ context.Context, code Code) (Note, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selects++
	note, ok := s.notes[code.String()]
	return note, ok, nil
}

func (s *memoryStore) Delete(_ context.Context, filter DeleteFilter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[filter.Code.String()]
	if !ok || !filter.matches(note) {
		return false, nil
	}
	delete(s.notes, filter.Code.String())
	return true, nil
}

func (s *memoryStore) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var codes []string
	for code, note := range s.notes {
		if note.ExpiredAt(now) {
			codes = append(codes, code)
			delete(s.notes, code)
		}
	}
	return codes, nil
}

func (s *memoryStore) Ping(context.Context) error {
	return nil
}

func (s *memoryStore) put(note Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.Code] = note
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func (s *memoryStore) selectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selects
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:vanish_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Note{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestGormStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to construct gorm store: %v", err)
	}
	return store, db
}

func newTestService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.CodeGenerator == nil {
		cfg.CodeGenerator = NewRandomCodeGenerator()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = (&recordingSleeper{}).Sleep
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	t.Cleanup(service.Close)
	return service
}

func mustCreate(t *testing.T, service *Service, content string, lifetimeMinutes int) CreatedNote {
	t.Helper()
	created, err := service.Create(context.Background(), content, lifetimeMinutes)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return created
}
