package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
)

const instrumentationName = "github.com/MrEthical07/authcore/httpapi"

const defaultMaxBodyBytes = 64 << 10

// Options tunes the transport. The zero value is usable for local
// development; production deployments should set CookieSecure.
type Options struct {
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler

	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite

	// TrustForwardedFor takes the client IP from the first X-Forwarded-For
	// hop. Enable only behind a proxy that overwrites the header.
	TrustForwardedFor bool
	MaxBodyBytes      int64
}

// Handler is the REST surface over one Engine.
type Handler struct {
	engine *authcore.Engine
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	mux    *http.ServeMux
}

// New registers every route on a fresh mux.
func New(engine *authcore.Engine, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.CookieSameSite == 0 {
		opts.CookieSameSite = http.SameSiteLaxMode
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	h := &Handler{
		engine: engine,
		opts:   opts,
		logger: opts.Logger,
		tracer: opts.TracerProvider.Tracer(instrumentationName),
		mux:    http.NewServeMux(),
	}
	h.routes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	inherit := middleware.Guard(h.engine, authcore.ModeInherit)
	strict := middleware.RequireStrict(h.engine)
	jwtOnly := middleware.RequireJWTOnly(h.engine)
	selected := middleware.RequireOrgSelected

	// An org-selection-required token reaches only logout, the org list
	// and select/switch.
	h.handle("POST /auth/login", h.login)
	h.handle("POST /auth/refresh", h.refresh)
	h.handle("POST /auth/logout", h.logout, jwtOnly)
	h.handle("POST /auth/logout-all", h.logoutAll, strict, selected)
	h.handle("GET /auth/sessions", h.listSessions, strict, selected)
	h.handle("DELETE /auth/sessions/{id}", h.revokeSession, strict, selected)

	h.handle("GET /auth/orgs", h.listOrgs, inherit)
	h.handle("POST /auth/select-org", h.bindOrg, strict)
	h.handle("POST /auth/switch-org", h.bindOrg, strict)

	h.handle("POST /auth/mfa/setup", h.mfaSetup, strict, selected)
	h.handle("POST /auth/mfa/setup/confirm", h.mfaSetupConfirm, strict, selected)
	h.handle("POST /auth/mfa/verify", h.mfaVerify)
	h.handle("POST /auth/mfa/backup", h.mfaBackup)
	h.handle("POST /auth/mfa/disable", h.mfaDisable, strict, selected)
	h.handle("POST /auth/mfa/backup-codes/regenerate", h.mfaRegenerate, strict, selected)
	h.handle("GET /auth/mfa/status", h.mfaStatus, inherit, selected)

	h.handle("POST /auth/forgot-password", h.forgotPassword)
	h.handle("GET /auth/reset-password", h.validateReset)
	h.handle("POST /auth/reset-password", h.confirmReset)

	h.handle("GET /healthz", h.healthz)
	if h.opts.Metrics != nil {
		h.mux.Handle("GET /metrics", h.opts.Metrics)
	}
}

// handle mounts fn behind guards (outermost first) inside a server span.
// The request context carries the client IP and user agent before any guard
// runs.
func (h *Handler) handle(pattern string, fn http.HandlerFunc, guards ...func(http.Handler) http.Handler) {
	var next http.Handler = fn
	for i := len(guards) - 1; i >= 0; i-- {
		next = guards[i](next)
	}
	h.mux.Handle(pattern, h.traced(pattern, h.withRequestContext(next)))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *Handler) traced(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), pattern,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", pattern),
			),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

func (h *Handler) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := authcore.WithClientIP(r.Context(), h.clientIP(r))
		ctx = authcore.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.opts.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fail writes err as an error envelope and tags the span with its code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := authcore.CodeOf(err)
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("authcore.error_code", string(code)))
	if code == authcore.CodeInternal || code == authcore.CodeUnavailable {
		span.RecordError(err)
		h.logger.ErrorContext(r.Context(), "request failed", "route", r.Pattern, "error", err)
	}
	middleware.WriteError(w, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.fail(w, r, authcore.ErrInvalidRequest)
		return false
	}
	return true
}

func principal(r *http.Request) *authcore.Principal {
	p, _ := authcore.PrincipalFromContext(r.Context())
	return p
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Health(r.Context())
	code := http.StatusOK
	if !status.RedisAvailable {
		code = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, code, status)
}
