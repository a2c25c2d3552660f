package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/pkg/errors"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader marks a response served from the idempotency store
const ReplayedHeader = "Idempotent-Replayed"

// IdempotencyStore keeps the response produced for each Idempotency-Key.
// Create returns *errors.ErrConflict when the key is already stored.
type IdempotencyStore interface {
	GetByKey(ctx context.Context, key string) (*domain.IdempotencyKey, error)
	Create(ctx context.Context, key *domain.IdempotencyKey) error
}

// IdempotencyMiddleware replays the stored response when a request repeats an
// Idempotency-Key with the same body, and answers 409 when the body differs.
// Bodies are compared after JSON canonicalization, so key order and spacing do
// not matter. Server errors are not stored and can be retried.
func IdempotencyMiddleware(store IdempotencyStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut && c.Request.Method != http.MethodPatch {
			c.Next()
			return
		}

		idempotencyKey := c.GetHeader(IdempotencyKeyHeader)
		if idempotencyKey == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.Error("Failed to read request body for idempotency", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to process request"})
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(body))

		requestHash := hashBody(body)

		existing, err := store.GetByKey(c.Request.Context(), idempotencyKey)
		if err != nil {
			logger.Error("Failed to check idempotency key", zap.Error(err))
			c.Next()
			return
		}

		if existing != nil {
			if existing.RequestHash != requestHash {
				c.JSON(http.StatusConflict, gin.H{
					"ok":    false,
					"error": "idempotency key conflict: same key used with different payload",
				})
				c.Abort()
				return
			}
			c.Header(ReplayedHeader, "true")
			c.Data(existing.StatusCode, "application/json; charset=utf-8", existing.ResponseBody)
			c.Abort()
			return
		}

		recorder := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := recorder.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		err = store.Create(context.WithoutCancel(c.Request.Context()), &domain.IdempotencyKey{
			Key:          idempotencyKey,
			RequestHash:  requestHash,
			StatusCode:   status,
			ResponseBody: recorder.body.Bytes(),
			CreatedAt:    time.Now(),
		})
		var conflict *errors.ErrConflict
		if err != nil && !stderrors.As(err, &conflict) {
			logger.Warn("Failed to store idempotency key", zap.String("key", idempotencyKey), zap.Error(err))
		}
	}
}

// hashBody hashes the canonical JSON form of body, or the raw bytes when the
// body is not JSON
func hashBody(body []byte) string {
	canonical, err := jcs.Transform(body)
	if err != nil {
		canonical = body
	}
	hash := sha256.Sum256(canonical)
	return hex.EncodeToString(hash[:])
}

// responseRecorder tees the response body so it can be stored
type responseRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// MemoryIdempotencyStore is the store used when no database is configured.
// Entries older than ttl are dropped on access.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]*domain.IdempotencyKey
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		keys: make(map[string]*domain.IdempotencyKey),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *MemoryIdempotencyStore) GetByKey(_ context.Context, key string) (*domain.IdempotencyKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	if s.ttl > 0 && s.now().Sub(k.CreatedAt) > s.ttl {
		delete(s.keys, key)
		return nil, nil
	}
	out := *k
	return &out, nil
}

func (s *MemoryIdempotencyStore) Create(_ context.Context, key *domain.IdempotencyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.keys[key.Key]; ok && (s.ttl <= 0 || s.now().Sub(existing.CreatedAt) <= s.ttl) {
		return &errors.ErrConflict{Message: "idempotency key already stored"}
	}
	stored := *key
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.ResponseBody = append([]byte(nil), key.ResponseBody...)
	s.keys[key.Key] = &stored
	return nil
}
