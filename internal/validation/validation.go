// Package validation provides input validation for the firewall API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// calldataRegex validates 0x-prefixed, even-length hex (empty payload allowed)
	calldataRegex = regexp.MustCompile(`^0x([a-fA-F0-9]{2})*$`)
	// digitsRegex rejects signs, spaces, and exponents that FromDecimal tolerates
	digitsRegex = regexp.MustCompile(`^[0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidCalldata checks that s is 0x-prefixed hex with whole bytes
func IsValidCalldata(s string) bool {
	return calldataRegex.MatchString(s)
}

// SanitizeAddress normalizes an Ethereum address for case-insensitive
// comparison. Malformed input is normalized the same way and never rejected.
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
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

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidCalldata checks if a field is 0x-prefixed hex calldata
func ValidCalldata(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCalldata(value) {
			return &ValidationError{Field: field, Message: "must be 0x-prefixed hex with an even number of digits"}
		}
		return nil
	}
}

// IsValidWei reports whether s is a base-10 amount that fits in 256 bits.
func IsValidWei(s string) bool {
	if !digitsRegex.MatchString(s) {
		return false
	}
	_, err := uint256.FromDecimal(s)
	return err == nil
}

// ValidWei checks if a field is a base-10 integer amount in wei
func ValidWei(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidWei(value) {
			return &ValidationError{Field: field, Message: "must be a non-negative integer amount in wei below 2^256"}
		}
		return nil
	}
}
