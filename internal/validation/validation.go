// Package validation holds input checks shared across the Taskbay API handlers.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize caps request bodies at 1MB.
	MaxRequestSize = 1 << 20
	// MaxStringLength caps free-text fields.
	MaxStringLength = 10000
)

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	txHashRegex     = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// agent handles: url safe, 2-64 chars, must start alphanumeric
	agentNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{1,63}$`)
	// event names like "transaction.delivered", or "*" for all
	eventNameRegex = regexp.MustCompile(`^[a-z]+(\.[a-z_]+)+$|^\*$`)
)

// RequestSizeMiddleware caps the request body read by downstream handlers.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func IsValidEthAddress(addr string) bool { return ethAddressRegex.MatchString(addr) }

func IsValidTxHash(hash string) bool { return txHashRegex.MatchString(hash) }

func IsValidAgentName(name string) bool { return agentNameRegex.MatchString(name) }

func IsValidEventName(name string) bool { return eventNameRegex.MatchString(name) }

// SanitizeString trims whitespace, drops null bytes, and truncates to
// MaxStringLength.
func SanitizeString(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > MaxStringLength {
		s = s[:MaxStringLength]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each rule and collects the failures.
func Validate(rules ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, rule := range rules {
		if err := rule(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func fail(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Required rejects empty or whitespace-only values.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// ValidAddress accepts empty values; pair with Required when the field
// is mandatory.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidEthAddress(value) {
			return fail(field, "must be a valid Ethereum address (0x...)")
		}
		return nil
	}
}

func ValidCredits(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return fail(field, "must be a positive credit amount")
		}
		return nil
	}
}

func ValidPercent(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 || value > 100 {
			return fail(field, "must be between 0 and 100")
		}
		return nil
	}
}

func ValidRating(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 1 || value > 5 {
			return fail(field, "must be between 1 and 5")
		}
		return nil
	}
}

// ValidWebhookURL requires an absolute http(s) URL when a value is given.
func ValidWebhookURL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fail(field, "must be an absolute http(s) URL")
		}
		return nil
	}
}

// ValidAmount checks a decimal USD string: digits with at most one
// interior decimal point, and a nonzero value. Empty passes.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		dots := 0
		nonzero := false
		for i, c := range value {
			switch {
			case c == '.':
				dots++
				if dots > 1 || i == 0 || i == len(value)-1 {
					return fail(field, "invalid amount format")
				}
			case c < '0' || c > '9':
				return fail(field, "invalid amount format")
			case c != '0':
				nonzero = true
			}
		}
		if !nonzero {
			return fail(field, "amount must be greater than zero")
		}
		return nil
	}
}
