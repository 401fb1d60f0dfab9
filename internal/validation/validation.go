// Package validation checks request fields (addresses, wei amounts, tx
// hashes) before they reach the book.
package validation

import (
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidEthAddress reports whether s is a 0x-prefixed 20-byte hex address.
// Checksum case is not enforced.
func IsValidEthAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every failed check of a request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every check and returns the failures in order.
func Validate(checks ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// optional builds a check that skips empty values; pair it with Required
// when a field must be present.
func optional(field, value, msg string, ok func(string) bool) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || ok(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: msg}
	}
}

// Required rejects blank values.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return optional(field, value, "exceeds maximum length", func(v string) bool {
		return len(v) <= max
	})
}

// ValidAddress checks for a 0x-prefixed account address.
func ValidAddress(field, value string) func() *ValidationError {
	return optional(field, value, "must be a valid Ethereum address (0x...)", IsValidEthAddress)
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ValidWei checks for a base-10 integer that fits in a uint256. Signs,
// decimals and exponents are rejected.
func ValidWei(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if strings.TrimLeft(value, "0123456789") != "" {
			return &ValidationError{Field: field, Message: "must be an integer amount in wei"}
		}
		n, _ := new(big.Int).SetString(value, 10)
		if n.Cmp(maxUint256) > 0 {
			return &ValidationError{Field: field, Message: "exceeds uint256"}
		}
		return nil
	}
}

// ValidTxHash checks for a 0x-prefixed 32-byte hash.
func ValidTxHash(field, value string) func() *ValidationError {
	return optional(field, value, "must be a 0x-prefixed 32-byte transaction hash", func(v string) bool {
		b, err := hexutil.Decode(v)
		return err == nil && len(b) == 32
	})
}

// RequestSizeMiddleware caps the request body at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects routes whose :address parameter is not an
// account address.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a := c.Param("address"); a != "" && !IsValidEthAddress(a) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be 0x followed by 40 hex characters",
			})
			return
		}
		c.Next()
	}
}
