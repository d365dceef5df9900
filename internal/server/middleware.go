package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sardorbek/cardpay/pkg/errors"
)

const userIDKey = "user_id"

// TraceID ensures every request carries an X-Trace-ID, generating one when
// the client did not send it.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set("trace_id", traceID)
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}

// Auth verifies the bearer token and stores the caller's user id in the
// request context. Token issuance and credential handling live outside this
// service; only the sub claim is consumed here.
func Auth(secret string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "missing bearer token",
			})
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.Debug("token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "invalid or expired token",
			})
			return
		}

		sub, err := token.Claims.GetSubject()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "token has no subject",
			})
			return
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "token subject is not a user id",
			})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// currentUser returns the authenticated caller's id.
func currentUser(c *gin.Context) uuid.UUID {
	v, _ := c.Get(userIDKey)
	id, _ := v.(uuid.UUID)
	return id
}

// respondError writes the structured error body for err. Internal failures
// get a generic message with the trace id outside development.
func respondError(c *gin.Context, logger *zap.Logger, environment string, err error) {
	traceID := c.GetString("trace_id")
	kind := errors.KindOf(err)
	status := errors.HTTPStatus(err)

	message := err.Error()
	if kind == errors.KindInternal {
		logger.Error("request failed", zap.String("trace_id", traceID), zap.Error(err))
		if environment == "production" {
			message = "internal error, contact support with the trace id"
		}
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":    string(kind),
		"message":  message,
		"trace_id": traceID,
	})
}
