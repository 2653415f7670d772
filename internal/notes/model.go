package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// CodeLength is the fixed number of symbols in a note code.
	CodeLength = 4
	// MaxContentLength bounds sanitized note content, counted in characters.
	MaxContentLength = 500
)

var (
	// ErrValidation is the parent of every caller-facing input error.
	ErrValidation = errors.New("notes: validation failed")
	// ErrInvalidContent indicates empty or oversized note content.
	ErrInvalidContent = fmt.Errorf("%w: invalid content", ErrValidation)
	// ErrInvalidLifetime indicates a non-positive or excessive lifetime.
	ErrInvalidLifetime = fmt.Errorf("%w: invalid lifetime", ErrValidation)
	// ErrInvalidCode indicates a lookup code of the wrong length.
	ErrInvalidCode = fmt.Errorf("%w: invalid code", ErrValidation)
)

// Code represents a normalized note code.
type Code string

// NewCode trims and uppercases raw input and checks its length.
func NewCode(rawInput string) (Code, error) {
	normalized := strings.ToUpper(strings.TrimSpace(rawInput))
	if utf8.RuneCountInString(normalized) != CodeLength {
		return "", fmt.Errorf("%w: must be %d characters", ErrInvalidCode, CodeLength)
	}
	return Code(normalized), nil
}

// String returns the underlying code.
func (c Code) String() string {
	return string(c)
}

// Content represents sanitized note text.
type Content string

// NewContent trims and sanitizes raw input, then enforces the length bounds.
func NewContent(rawInput string) (Content, error) {
	sanitized := SanitizeContent(strings.TrimSpace(rawInput))
	if sanitized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(sanitized) > MaxContentLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidContent, MaxContentLength)
	}
	return Content(sanitized), nil
}

// String returns the sanitized text.
func (c Content) String() string {
	return string(c)
}

var markupEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// SanitizeContent escapes markup characters so stored text renders inertly.
func SanitizeContent(value string) string {
	return markupEscaper.Replace(value)
}

// Note models a persisted disappearing note.
type Note struct {
	Code      string    `gorm:"column:code;primaryKey;size:4;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// ExpiredAt reports whether the note is no longer live at the given instant.
func (n Note) ExpiredAt(now time.Time) bool {
	return !now.Before(n.ExpiresAt)
}

// CreatedNote is the result of a successful allocation.
type CreatedNote struct {
	Note       Note
	OwnerToken string
}
