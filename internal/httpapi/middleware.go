package httpapi

import (
	"crypto/subtle"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/config"
	"github.com/ent0n29/stoicguide/internal/identity"
	"github.com/ent0n29/stoicguide/internal/ratelimit"
)

const guestSessionHeader = "X-Guest-Session"

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		}
		s.logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// rateLimit charges one request of class against the caller's address.
func (s *Server) rateLimit(class string, rl config.RateLimit) func(http.Handler) http.Handler {
	policy := ratelimit.Policy{Max: rl.Max, Window: rl.Window}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if retry, ok := s.allow(class, clientKey(r), policy); !ok {
				w.Header().Set("Retry-After", retryAfterSeconds(retry))
				s.respondErr(w, r, fmt.Errorf("%w: %s", apperr.ErrRateLimited, class))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) allow(class, key string, p ratelimit.Policy) (time.Duration, bool) {
	if s.limiter.AllowPolicy(class, key, p) {
		return 0, true
	}
	if s.metrics != nil {
		s.metrics.RateLimited.WithLabelValues(class).Inc()
	}
	return s.limiter.RetryAfter(ratelimit.Key(class, key), p.Window), false
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientKey is the caller address; RealIP has already applied proxy headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireIdentity resolves the caller and stores it on the request context.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.resolver.Resolve(r.Context(), credentialsFrom(r))
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// credentialsFrom reads the bearer and guest tokens. Browsers cannot set
// headers on a websocket handshake, so upgrades may pass them as query
// parameters instead.
func credentialsFrom(r *http.Request) identity.Credentials {
	creds := identity.Credentials{
		BearerToken: bearerToken(r.Header.Get("Authorization")),
		GuestToken:  strings.TrimSpace(r.Header.Get(guestSessionHeader)),
	}
	if websocket.IsWebSocketUpgrade(r) {
		q := r.URL.Query()
		if creds.BearerToken == "" {
			creds.BearerToken = strings.TrimSpace(q.Get("token"))
		}
		if creds.GuestToken == "" {
			creds.GuestToken = strings.TrimSpace(q.Get("guest_token"))
		}
	}
	return creds
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func identityFrom(r *http.Request) identity.Identity {
	id, _ := identity.FromContext(r.Context())
	return id
}

// requireAdmin gates operator routes on ADMIN_TOKEN. The routes do not exist
// while it is unset.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.AdminToken
		if want == "" {
			respondError(w, http.StatusNotFound, "not_found", apperr.ErrNotFound.Error())
			return
		}
		got := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthenticated", apperr.ErrUnauthenticated.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
