// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the shared-secret check for webhook endpoints. The
// messaging platforms are configured to send a per-deployment token with
// every delivery; requests without the right token are rejected before any
// parsing happens.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// webhookTokenHeader carries the shared secret on inbound deliveries.
const webhookTokenHeader = "X-Webhook-Token"

// WebhookToken returns a Gin middleware that rejects requests whose
// X-Webhook-Token header does not match token. An empty configured token
// disables the check, which is only acceptable for local development.
//
// The comparison is constant-time. Rejections return 401 with the standard
// error envelope shape:
//
//	HTTP/1.1 401 Unauthorized
//	{
//	  "request_id": "<uuid>",
//	  "code":       "unauthorized",
//	  "message":    "invalid webhook token"
//	}
func WebhookToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.GetHeader(webhookTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "unauthorized",
				"message":    "invalid webhook token",
			})
			return
		}
		c.Next()
	}
}
