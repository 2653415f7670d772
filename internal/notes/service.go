package notes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/auth"
	"go.uber.org/zap"
)

const (
	// MaxAllocationAttempts bounds the number of codes tried by Create.
	MaxAllocationAttempts = 5
	// BaseAllocationBackoff is the delay after the first failed attempt; it doubles per attempt.
	BaseAllocationBackoff = 500 * time.Millisecond
	// DefaultMaxLifetime caps note lifetimes when the config leaves it unset.
	DefaultMaxLifetime = 24 * time.Hour

	lazyDeleteTimeout = 5 * time.Second
)

var (
	// ErrNotFound reports that a code does not resolve to a live note.
	ErrNotFound = errors.New("notes: note not found")
	// ErrNoteExpired reports that the note existed but is past its expiry.
	ErrNoteExpired = fmt.Errorf("%w: expired", ErrNotFound)
	// ErrAllocationExhausted reports that no unique code could be secured. Retrying is safe.
	ErrAllocationExhausted = errors.New("notes: could not allocate a unique code")
	// ErrUnauthorized reports a missing or mismatched owner token.
	ErrUnauthorized = errors.New("notes: owner token rejected")

	errMissingStore         = errors.New("note store is required")
	errMissingCodeGenerator = errors.New("code generator is required")
	noOpLogger              = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "notes.service.new"
	opCreate     = "notes.create"
	opFetch      = "notes.fetch"
	opRevoke     = "notes.revoke"
	opSweep      = "notes.sweep"
	opLazyDelete = "notes.lazy_delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// GoneReason explains why a note disappeared.
type GoneReason string

const (
	GoneExpired GoneReason = "expired"
	GoneRevoked GoneReason = "revoked"
	GoneSwept   GoneReason = "swept"
)

// GonePublisher is notified whenever the registry deletes a note.
type GonePublisher interface {
	PublishGone(code string, reason GoneReason)
}

// OwnerTokens issues and validates the tokens that let a creator delete a note early.
type OwnerTokens interface {
	IssueOwnerToken(ctx context.Context, grant auth.OwnerGrant) (string, error)
	ValidateOwnerToken(token string) (auth.OwnerGrant, error)
}

type ServiceConfig struct {
	Store         Store
	Clock         func() time.Time
	CodeGenerator CodeGenerator
	OwnerTokens   OwnerTokens
	Gone          GonePublisher
	MaxLifetime   time.Duration
	// Sleep waits between allocation attempts. It must return early when ctx is done.
	Sleep  func(ctx context.Context, delay time.Duration) error
	Logger *zap.Logger
}

// Service is the note registry: it allocates codes, serves live notes and
// removes expired ones.
type Service struct {
	store       Store
	clock       func() time.Time
	codes       CodeGenerator
	tokens      OwnerTokens
	gone        GonePublisher
	maxLifetime time.Duration
	sleep       func(ctx context.Context, delay time.Duration) error
	logger      *zap.Logger
	pending     sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.CodeGenerator == nil {
		return nil, newServiceError(opServiceNew, "missing_code_generator", errMissingCodeGenerator)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	maxLifetime := cfg.MaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:       cfg.Store,
		clock:       clock,
		codes:       cfg.CodeGenerator,
		tokens:      cfg.OwnerTokens,
		gone:        cfg.Gone,
		maxLifetime: maxLifetime,
		sleep:       sleep,
		logger:      logger,
	}, nil
}

// MaxLifetime returns the longest lifetime Create accepts.
func (s *Service) MaxLifetime() time.Duration {
	return s.maxLifetime
}

// Create allocates a fresh code and stores the note under it.
func (s *Service) Create(ctx context.Context, rawContent string, lifetimeMinutes int) (CreatedNote, error) {
	content, err := NewContent(rawContent)
	if err != nil {
		return CreatedNote{}, err
	}
	lifetime, err := s.validateLifetime(lifetimeMinutes)
	if err != nil {
		return CreatedNote{}, err
	}

	for attempt := 0; attempt < MaxAllocationAttempts; attempt++ {
		note, ok := s.tryAllocate(ctx, content, lifetime, attempt)
		if ok {
			return s.withOwnerToken(ctx, note), nil
		}
		if attempt == MaxAllocationAttempts-1 {
			break
		}
		if err := s.sleep(ctx, AllocationBackoff(attempt)); err != nil {
			return CreatedNote{}, err
		}
	}

	s.loggerOrDefault().Warn("note allocation exhausted", zap.Int("attempts", MaxAllocationAttempts))
	return CreatedNote{}, fmt.Errorf("%w after %d attempts", ErrAllocationExhausted, MaxAllocationAttempts)
}

// AllocationBackoff returns the delay that follows the zero-based failed attempt.
func AllocationBackoff(attempt int) time.Duration {
	return BaseAllocationBackoff << attempt
}

func (s *Service) validateLifetime(lifetimeMinutes int) (time.Duration, error) {
	if lifetimeMinutes <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidLifetime)
	}
	// Compare in minutes so oversized input cannot overflow the Duration.
	maxMinutes := int64(s.maxLifetime / time.Minute)
	if int64(lifetimeMinutes) > maxMinutes {
		return 0, fmt.Errorf("%w: exceeds %d minutes", ErrInvalidLifetime, maxMinutes)
	}
	return time.Duration(lifetimeMinutes) * time.Minute, nil
}

func (s *Service) tryAllocate(ctx context.Context, content Content, lifetime time.Duration, attempt int) (Note, bool) {
	attemptField := zap.Int("attempt", attempt+1)

	code, err := s.codes.NewCode()
	if err != nil {
		s.logAttempt("code_generation_failed", err, attemptField)
		return Note{}, false
	}
	codeField := zap.String("code", code.String())

	now := s.clock().UTC()
	existing, found, err := s.store.SelectOne(ctx, code)
	if err != nil {
		s.logAttempt("lookup_failed", err, attemptField, codeField)
		return Note{}, false
	}
	if found {
		if !existing.ExpiredAt(now) {
			s.loggerOrDefault().Debug("note code collision", attemptField, codeField)
			return Note{}, false
		}
		// An expired row still holds the key until it is removed.
		deleted, err := s.store.Delete(ctx, DeleteFilter{Code: code, ExpiredAsOf: now})
		if err != nil {
			s.logAttempt("stale_delete_failed", err, attemptField, codeField)
			return Note{}, false
		}
		if deleted {
			s.publishGone(code, GoneExpired)
		}
	}

	createdAt := now.Truncate(time.Second)
	note := Note{
		Code:      code.String(),
		Content:   content.String(),
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(lifetime),
	}
	result, err := s.store.Insert(ctx, note)
	switch result {
	case Inserted:
		return note, true
	case InsertCollision:
		s.loggerOrDefault().Debug("note insert collided", attemptField, codeField)
	default:
		s.logAttempt("insert_failed", err, attemptField, codeField)
	}
	return Note{}, false
}

func (s *Service) withOwnerToken(ctx context.Context, note Note) CreatedNote {
	created := CreatedNote{Note: note}
	if s.tokens == nil {
		return created
	}
	token, err := s.tokens.IssueOwnerToken(ctx, auth.OwnerGrant{
		Code:      note.Code,
		CreatedAt: note.CreatedAt,
		ExpiresAt: note.ExpiresAt,
	})
	if err != nil {
		s.logError(opCreate, "owner_token_failed", err, zap.String("code", note.Code))
		return created
	}
	created.OwnerToken = token
	return created
}

// Fetch returns the live note stored under rawCode. Absent and expired notes
// both yield an error matching ErrNotFound.
func (s *Service) Fetch(ctx context.Context, rawCode string) (Note, error) {
	code, err := NewCode(rawCode)
	if err != nil {
		return Note{}, err
	}

	note, found, err := s.store.SelectOne(ctx, code)
	if err != nil {
		s.logError(opFetch, "lookup_failed", err, zap.String("code", code.String()))
		return Note{}, newServiceError(opFetch, "lookup_failed", err)
	}
	if !found {
		return Note{}, ErrNotFound
	}

	now := s.clock().UTC()
	if note.ExpiredAt(now) {
		s.deleteExpiredAsync(ctx, code, now)
		return Note{}, ErrNoteExpired
	}
	return note, nil
}

func (s *Service) deleteExpiredAsync(ctx context.Context, code Code, now time.Time) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lazyDeleteTimeout)
		defer cancel()
		deleted, err := s.store.Delete(deleteCtx, DeleteFilter{Code: code, ExpiredAsOf: now})
		if err != nil {
			s.logError(opLazyDelete, "delete_failed", err, zap.String("code", code.String()))
			return
		}
		if deleted {
			s.publishGone(code, GoneExpired)
		}
	}()
}

// Revoke deletes a live note before its expiry on presentation of its owner token.
func (s *Service) Revoke(ctx context.Context, rawCode string, token string) error {
	code, err := NewCode(rawCode)
	if err != nil {
		return err
	}
	if s.tokens == nil {
		return ErrUnauthorized
	}
	grant, err := s.tokens.ValidateOwnerToken(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if grant.Code != code.String() {
		return fmt.Errorf("%w: token issued for another note", ErrUnauthorized)
	}

	deleted, err := s.store.Delete(ctx, DeleteFilter{Code: code, CreatedAt: grant.CreatedAt})
	if err != nil {
		s.logError(opRevoke, "delete_failed", err, zap.String("code", code.String()))
		return newServiceError(opRevoke, "delete_failed", err)
	}
	if !deleted {
		return ErrNotFound
	}
	s.publishGone(code, GoneRevoked)
	return nil
}

// Sweep deletes every expired note and returns how many were removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	codes, err := s.store.DeleteExpired(ctx, s.clock().UTC())
	if err != nil {
		s.logError(opSweep, "delete_failed", err)
		return 0, newServiceError(opSweep, "delete_failed", err)
	}
	for _, code := range codes {
		s.publishGone(Code(code), GoneSwept)
	}
	return len(codes), nil
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close waits for in-flight lazy deletions.
func (s *Service) Close() {
	s.pending.Wait()
}

func (s *Service) publishGone(code Code, reason GoneReason) {
	if s.gone == nil {
		return
	}
	s.gone.PublishGone(code.String(), reason)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logAttempt(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opCreate),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Warn("note allocation attempt failed", attrs...)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
