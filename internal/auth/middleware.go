package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// maxSignedBody caps how much of a request body is read for hashing.
const maxSignedBody = 1 << 20

// Middleware authenticates signed requests and sets the caller in context.
// Requests without credentials pass through unauthenticated; bad
// credentials are rejected.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader(HeaderCaller)
		sig := c.GetHeader(HeaderSignature)
		if caller == "" && sig == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
			if err != nil || len(body) > maxSignedBody {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "request_too_large",
					"message": "Signed request body too large",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		addr, err := v.Verify(c.Request.Method, c.Request.URL.Path, body,
			caller, c.GetHeader(HeaderTimestamp), sig)
		if err != nil {
			code := "unauthorized"
			switch {
			case errors.Is(err, ErrStaleTimestamp):
				code = "stale_timestamp"
			case errors.Is(err, ErrReplayed):
				code = "replayed_request"
			case errors.Is(err, ErrBadSignature):
				code = "invalid_signature"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyCaller, addr.Hex())
		c.Next()
	}
}

// RequireCaller rejects requests that carry no authenticated caller.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Caller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include X-Caller, X-Timestamp and X-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the authenticated caller, if any.
func Caller(c *gin.Context) (common.Address, bool) {
	s := c.GetString(ContextKeyCaller)
	if s == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
