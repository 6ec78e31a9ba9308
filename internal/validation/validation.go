// Package validation provides input validation middleware for the monitoring API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxCodeSize is the maximum code payload accepted by the analysis endpoint (256KB)
const MaxCodeSize = 256 << 10

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// sessionIDRegex validates assessment session identifiers
	sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// eventTypeRegex validates raw event type tags from producers
	eventTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9_.]{0,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSessionID checks if a string is a well-formed session identifier
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// IsValidEventType checks if a string is a well-formed raw event type tag
func IsValidEventType(t string) bool {
	return eventTypeRegex.MatchString(t)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidSessionID checks if a field is a well-formed session identifier
func ValidSessionID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidSessionID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 characters of [A-Za-z0-9_-]"}
		}
		return nil
	}
}

// ValidEventType checks if a field is a well-formed raw event type tag
func ValidEventType(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEventType(value) {
			return &ValidationError{Field: field, Message: "must be a lowercase identifier"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// SessionParamMiddleware validates the :id URL parameter on session routes.
// Apply to route groups that include session ids to reject malformed ids early.
func SessionParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidSessionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_session_id",
				"message": "session id must be 1-64 characters of [A-Za-z0-9_-]",
			})
			return
		}
		c.Next()
	}
}
