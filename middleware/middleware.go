// Package middleware carries the HTTP cross-cutting concerns: basic auth
// and request parameter validation.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	// Ethereum address: 0x followed by 40 hex characters
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// CLOB token ids are long decimal strings
	tokenIDRegex = regexp.MustCompile(`^[0-9]{1,100}$`)
)

// BasicAuth returns a middleware that implements HTTP Basic Authentication
func BasicAuth() gin.HandlerFunc {
	username := os.Getenv("AUTH_USERNAME")
	password := os.Getenv("AUTH_PASSWORD")

	return func(c *gin.Context) {
		// Skip auth if credentials not configured
		if username == "" || password == "" {
			c.Next()
			return
		}

		user, pass, hasAuth := c.Request.BasicAuth()
		if !hasAuth {
			c.Header("WWW-Authenticate", `Basic realm="Paper Trader"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		// Use constant-time comparison to prevent timing attacks
		usernameMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", `Basic realm="Paper Trader"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Next()
	}
}

// ValidateTokenID validates the tokenID path parameter.
func ValidateTokenID() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenID := strings.TrimSpace(c.Param("tokenID"))
		if tokenID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "token ID required",
			})
			return
		}
		if !tokenIDRegex.MatchString(tokenID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Invalid token ID format. Must be a decimal token id",
			})
			return
		}
		c.Next()
	}
}

// ValidateAddress validates the address path parameter as an Ethereum
// address and stores the normalized form.
func ValidateAddress() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := strings.ToLower(strings.TrimSpace(c.Param("address")))
		if !ethAddressRegex.MatchString(address) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Invalid address format. Must be a valid Ethereum address (0x + 40 hex characters)",
			})
			return
		}
		c.Set("validatedAddress", address)
		c.Next()
	}
}

// ValidateQueryParams validates common query parameters
func ValidateQueryParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Validate limit parameter
		if limitStr := c.Query("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil || limit < 1 || limit > 10000 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid limit parameter. Must be a positive integer between 1 and 10000",
				})
				return
			}
		}

		// Validate days parameter
		if daysStr := c.Query("days"); daysStr != "" {
			days, err := strconv.Atoi(daysStr)
			if err != nil || days < 1 || days > 365 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid days parameter. Must be between 1 and 365",
				})
				return
			}
		}

		// Validate wallet filter
		if wallet := strings.TrimSpace(c.Query("wallet")); wallet != "" {
			if !ethAddressRegex.MatchString(strings.ToLower(wallet)) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid wallet parameter. Must be a valid Ethereum address",
				})
				return
			}
		}

		// Validate boolean-ish flags
		boolParams := []string{"fills_only"}
		for _, param := range boolParams {
			if val := strings.ToLower(strings.TrimSpace(c.Query(param))); val != "" {
				switch val {
				case "1", "0", "true", "false":
				default:
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
						"error": "Invalid " + param + " parameter. Must be true or false",
					})
					return
				}
			}
		}

		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(strings.ToLower(strings.TrimSpace(addr)))
}
