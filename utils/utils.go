// Package utils provides helpers shared by the chatrelay HTTP front, including
// client address resolution and the gRPC health endpoint.
package utils

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientIP resolves the address used to key rate limits and conversations:
// the first X-Forwarded-For entry, then the peer address, then "unknown".
func ClientIP(c *gin.Context) string {
	if forwardedFor := c.GetHeader(HeaderForwardedFor); forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := c.RemoteIP(); ip != "" {
		return ip
	}
	return UnknownClientIP
}
