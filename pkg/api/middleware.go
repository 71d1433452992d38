package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/tessera/pkg/fedauth"
)

type contextKey string

const headerContextKey contextKey = "fedauth.header"

// AuthenticatedHeader returns the verified X-Matrix header of the request,
// nil when the request did not pass through FederationAuth.
func AuthenticatedHeader(ctx context.Context) *fedauth.Header {
	h, _ := ctx.Value(headerContextKey).(*fedauth.Header)
	return h
}

// FederationAuth verifies the X-Matrix Authorization header of inbound
// federation requests before the handler runs. The verified header is
// attached to the request context.
func FederationAuth(auth *fedauth.RequestAuth, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			WriteMatrixError(w, &MatrixError{
				Code: CodeBadJSON, Message: "unreadable request body", status: http.StatusBadRequest,
			})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var content map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &content); err != nil {
				WriteMatrixError(w, &MatrixError{
					Code: CodeBadJSON, Message: "request body is not JSON", status: http.StatusBadRequest,
				})
				return
			}
		}

		h, err := auth.VerifyRequest(r.Context(), r.Header.Get("Authorization"),
			r.Method, r.URL.RequestURI(), content)
		if err != nil {
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), headerContextKey, h)))
	})
}

// RateLimiter applies a per-IP token bucket to inbound requests. Idle
// entries are evicted in the background.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps int, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
	go rl.evictIdle()
	return rl
}

func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Middleware wraps next with the rate limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.limiterFor(ip).Allow() {
			w.Header().Set("Retry-After", "1")
			WriteMatrixError(w, &MatrixError{
				Code: "M_LIMIT_EXCEEDED", Message: "too many requests", status: http.StatusTooManyRequests,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
