package idempotency

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sardorbek/cardpay/pkg/errors"
)

// HeaderName is the request header carrying the caller-chosen key.
const HeaderName = "Idempotency-Key"

// KeyFunc derives the raw idempotency key from the request when the
// operation does not use the header (e.g. a stable request field).
// Returning "" fails the request with a validation error.
type KeyFunc func(c *gin.Context) string

// cachedResponse is the envelope stored for completed operations so a
// replay reconstructs both status code and body.
type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// bodyRecorder buffers the response body while passing it through, so a
// successful outcome can be cached verbatim.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}

func (r *bodyRecorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// Middleware makes the wrapped handler idempotent. operation scopes the
// raw key so identical keys cannot collide across unrelated endpoints.
// keyFn may be nil, in which case the Idempotency-Key header is required.
//
// Contract per gate state:
//   - new: run the handler; cache status+body on success (2xx), release the
//     key on any failure so a retry executes again;
//   - processing: reject immediately with a duplicate/in-flight error,
//     never wait for the other caller;
//   - completed: replay the cached envelope without re-executing.
func Middleware(gate *Gate, operation string, keyFn KeyFunc, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := ""
		if keyFn != nil {
			rawKey = keyFn(c)
		} else {
			rawKey = c.GetHeader(HeaderName)
		}
		if rawKey == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   string(errors.KindValidation),
				"message": "required idempotency key is missing for operation " + operation,
			})
			return
		}

		key := operation + ":" + rawKey
		ctx := c.Request.Context()

		res, err := gate.CheckAndLock(ctx, key)
		if err != nil {
			logger.Error("idempotency check failed", zap.String("key", key), zap.Error(err))
			c.AbortWithStatusJSON(errors.HTTPStatus(err), gin.H{
				"error":   string(errors.KindOf(err)),
				"message": "idempotency store unavailable",
			})
			return
		}

		switch res.State {
		case StateProcessing:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   string(errors.KindDuplicateRequest),
				"message": "request with this idempotency key is already being processed",
			})
			return

		case StateCompleted:
			var cached cachedResponse
			if err := json.Unmarshal([]byte(res.CachedValue), &cached); err != nil {
				logger.Error("cached idempotent result is unreadable",
					zap.String("key", key), zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.KindInternal),
					"message": "failed to decode cached result",
				})
				return
			}
			c.Header("Content-Type", "application/json")
			c.Data(cached.Status, "application/json", cached.Body)
			c.Abort()
			return
		}

		// StateNew: we own the key until completion or release.
		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder

		c.Next()

		status := c.Writer.Status()
		if status >= http.StatusBadRequest || len(c.Errors) > 0 {
			if err := gate.Release(ctx, key); err != nil {
				logger.Error("idempotency key release failed", zap.String("key", key), zap.Error(err))
			}
			return
		}

		// Services commit their database transaction before the handler
		// returns, so caching here never precedes the commit.
		body := recorder.buf.Bytes()
		if len(body) == 0 {
			body = []byte("null")
		}
		if err := gate.MarkComplete(ctx, key, cachedResponse{Status: status, Body: body}); err != nil {
			logger.Error("idempotency completion failed", zap.String("key", key), zap.Error(err))
		}
	}
}
