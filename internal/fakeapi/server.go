// Package fakeapi is an in-memory stand-in for the incident API server.
// It deduplicates creates by client id, verifies bearer tokens, and can be
// told to fail upcoming requests, which makes it suitable for tests and for
// running the engine against a local endpoint.
package fakeapi

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Resource names used in URLs.
const (
	ResourceReports = "reports"
	ResourcePhotos  = "photos"
	ResourceAudio   = "audio"
)

// Record is the server-side representation of a report, photo or audio note.
type Record struct {
	ID             string                 `json:"id"`
	ClientID       string                 `json:"client_id"`
	ReportID       string                 `json:"report_id,omitempty"`
	ReportClientID string                 `json:"report_client_id,omitempty"`
	ReportNumber   string                 `json:"report_number,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Latitude       *float64               `json:"latitude,omitempty"`
	Longitude      *float64               `json:"longitude,omitempty"`
	MimeType       string                 `json:"mime_type,omitempty"`
	DurationMS     int64                  `json:"duration_ms,omitempty"`
	Size           int64                  `json:"size,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	Deleted        bool                   `json:"deleted"`
	UpdatedAt      int64                  `json:"updated_at"`
}

// RequestLog captures one API request for assertions.
type RequestLog struct {
	Method         string
	Route          string
	Path           string
	IdempotencyKey string
}

type failure struct {
	remaining int
	status    int
}

// Server holds the in-memory state.
type Server struct {
	mu       sync.Mutex
	secret   []byte
	records  map[string]map[string]*Record // resource -> server id -> record
	byClient map[string]map[string]string  // resource -> client id -> server id
	nextID   int
	reportNo int
	fail     failure
	requests []RequestLog
	engine   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithSecret enables HS256 JWT verification with secret. Without it any
// non-empty bearer token is accepted.
func WithSecret(secret []byte) Option {
	return func(s *Server) {
		s.secret = secret
	}
}

// New creates a fake API server.
func New(opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		records:  make(map[string]map[string]*Record),
		byClient: make(map[string]map[string]string),
	}
	for _, res := range []string{ResourceReports, ResourcePhotos, ResourceAudio} {
		s.records[res] = make(map[string]*Record)
		s.byClient[res] = make(map[string]string)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(s.recordRequest(), s.injectFailure(), s.authMiddleware())
	{
		v1.GET("/reports", s.list(ResourceReports))
		v1.POST("/reports", s.createReport)
		v1.PUT("/reports/:id", s.updateReport)
		v1.DELETE("/reports/:id", s.remove(ResourceReports))

		v1.POST("/reports/:id/photos", s.createMedia(ResourcePhotos))
		v1.GET("/photos", s.list(ResourcePhotos))
		v1.PATCH("/photos/:id", s.patchMedia(ResourcePhotos))
		v1.DELETE("/photos/:id", s.remove(ResourcePhotos))

		v1.POST("/reports/:id/audio", s.createMedia(ResourceAudio))
		v1.GET("/audio", s.list(ResourceAudio))
		v1.PATCH("/audio/:id", s.patchMedia(ResourceAudio))
		v1.DELETE("/audio/:id", s.remove(ResourceAudio))
	}
	return r
}

// =====================================================
// Middleware
// =====================================================

func (s *Server) recordRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.requests = append(s.requests, RequestLog{
			Method:         c.Request.Method,
			Route:          c.FullPath(),
			Path:           c.Request.URL.Path,
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		})
		s.mu.Unlock()
		c.Next()
	}
}

func (s *Server) injectFailure() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		status := 0
		if s.fail.remaining > 0 {
			s.fail.remaining--
			status = s.fail.status
		}
		s.mu.Unlock()

		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": "injected failure"})
			return
		}
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || tokenString == authHeader || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		if s.secret != nil {
			token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return s.secret, nil
			})
			if err != nil || !token.Valid {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
				return
			}
		}
		c.Next()
	}
}

// IssueToken signs a token accepted by this server.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	secret := s.secret
	if secret == nil {
		secret = []byte("fakeapi")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// =====================================================
// Test controls
// =====================================================

// FailNext makes the next n API requests answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = failure{remaining: n, status: status}
}

// Requests returns a copy of the request log.
func (s *Server) Requests() []RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RequestLog(nil), s.requests...)
}

// CountRequests returns how many requests matched method and route
// (for example "POST", "/api/v1/reports").
func (s *Server) CountRequests(method, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method && r.Route == route {
			n++
		}
	}
	return n
}

// Records returns copies of all records of a resource, including tombstones.
func (s *Server) Records(resource string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records[resource] {
		out = append(out, *rec)
	}
	return out
}

// FindByClientID returns the record created from a client id.
func (s *Server) FindByClientID(resource, clientID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClient[resource][clientID]
	if !ok {
		return Record{}, false
	}
	return *s.records[resource][id], true
}

// Seed stores rec as if it had been created by another client and returns
// its server id.
func (s *Server) Seed(resource string, rec Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = s.newIDLocked(resource)
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().Unix()
	}
	s.records[resource][rec.ID] = &rec
	if rec.ClientID != "" {
		s.byClient[resource][rec.ClientID] = rec.ID
	}
	return rec.ID
}

// Tombstone marks a record deleted as if another client had removed it.
func (s *Server) Tombstone(resource, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[resource][id]
	if ok {
		rec.Deleted = true
		rec.UpdatedAt = time.Now().Unix()
	}
	return ok
}

func (s *Server) newIDLocked(resource string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", strings.TrimSuffix(resource, "s"), s.nextID)
}
