package middleware

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/errs"
)

// DefaultMaxInputBytes bounds text sent to the language service
const DefaultMaxInputBytes = 16 * 1024

// SecurityMiddleware screens text crossing the language service boundary
type SecurityMiddleware struct {
	maxBytes int
	logger   *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(maxBytes int, logger *logrus.Logger) *SecurityMiddleware {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxInputBytes
	}
	return &SecurityMiddleware{
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// ValidateInput rejects empty, oversized or non UTF-8 text
func (s *SecurityMiddleware) ValidateInput(field, text string) error {
	if strings.TrimSpace(text) == "" {
		return errs.Invalid(field, "must not be empty")
	}
	if len(text) > s.maxBytes {
		s.logger.WithFields(logrus.Fields{
			"field": field,
			"bytes": len(text),
		}).Warn("Rejected oversized input")
		return errs.Invalid(field, "is too long")
	}
	if !utf8.ValidString(text) {
		return errs.Invalid(field, "is not valid UTF-8")
	}
	return nil
}

// SanitizeOutput strips control characters and surrounding whitespace from
// model output
func (s *SecurityMiddleware) SanitizeOutput(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(cleaned)
}
