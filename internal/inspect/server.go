// Package inspect exposes an HTTP and websocket surface for driving and observing a bus.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/hookbus/errs"
	"github.com/coachpo/hookbus/internal/bus"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	emitPath  = "/v1/emit"
	askPath   = "/v1/ask"
	tapPath   = "/v1/tap"
	statsPath = "/v1/stats"

	defaultAskTimeout = 5 * time.Second
	maxAskTimeout     = time.Minute
	defaultTapBuffer  = 64
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRateLimit bounds emit and ask requests with a token bucket. A
// non-positive limit disables limiting.
func WithRateLimit(limit float64, burst int) Option {
	return func(s *Server) {
		if limit <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithAskTimeout sets the timeout used when an ask request does not carry one.
func WithAskTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.askTimeout = timeout
		}
	}
}

// WithTapBuffer sets how many events a tap session buffers before dropping.
func WithTapBuffer(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.tapBuffer = size
		}
	}
}

// Server serves the inspector endpoints for one bus.
type Server struct {
	bus        *bus.Bus[string, any]
	logger     *log.Logger
	limiter    *rate.Limiter
	askTimeout time.Duration
	tapBuffer  int
	mux        *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*tapSession
	closed   bool
}

// New constructs an inspector for b.
func New(b *bus.Bus[string, any], opts ...Option) (*Server, error) {
	if b == nil {
		return nil, errs.New("inspect", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	s := &Server{
		bus:        b,
		logger:     log.New(os.Stdout, "inspect ", log.LstdFlags|log.Lmicroseconds),
		limiter:    rate.NewLimiter(rate.Inf, 0),
		askTimeout: defaultAskTimeout,
		tapBuffer:  defaultTapBuffer,
		sessions:   make(map[string]*tapSession),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(emitPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodPost: s.limited(s.emit),
	}))
	mux.Handle(askPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodPost: s.limited(s.ask),
	}))
	mux.Handle(tapPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.tap,
	}))
	mux.Handle(statsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.stats,
	}))
	s.mux = mux
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Sessions reports the number of open tap sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close terminates every tap session and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*tapSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()
	for _, session := range sessions {
		session.cancel()
	}
}

type emitRequest struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

type askRequest struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	Timeout string `json:"timeout,omitempty"`
}

func (s *Server) emit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	if err := s.bus.Emit(r.Context(), topic, bus.Event[any]{Payload: req.Payload}); err != nil {
		s.logger.Printf("emit failed: topic=%s err=%v", topic, err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "topic": topic})
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	timeout := s.askTimeout
	if raw := strings.TrimSpace(req.Timeout); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", raw))
			return
		}
		timeout = min(parsed, maxAskTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := bus.Ask[any](ctx, s.bus, topic, req.Payload)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "payload": resp})
}

type statsResponse struct {
	Bus         string `json:"bus"`
	Policy      string `json:"policy"`
	Subscribers int    `json:"subscribers"`
	Sessions    int    `json:"sessions"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Bus:         s.bus.Name(),
		Policy:      s.bus.Policy().String(),
		Subscribers: s.bus.Len(),
		Sessions:    s.Sessions(),
	})
}

func (s *Server) limited(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
