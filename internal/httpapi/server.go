// Package httpapi is the HTTP front door of spec §4.H/§5: it mounts the
// federated /inbox receiver, the public /me/keys key-publishing
// endpoint, the ACME HTTP-01 challenge responder, the realtime WS
// upgrade routes, and a client-facing action-create endpoint behind one
// chi router (spec.md §6 "Wire — /inbox endpoint" / "Wire — /me/keys
// endpoint").
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/cloudillo/cloudillo/internal/action"
	"github.com/cloudillo/cloudillo/internal/adapters"
	"github.com/cloudillo/cloudillo/internal/certmgr"
	"github.com/cloudillo/cloudillo/internal/config"
	"github.com/cloudillo/cloudillo/internal/coreerr"
	"github.com/cloudillo/cloudillo/internal/media"
	"github.com/cloudillo/cloudillo/internal/ratelimit"
	"github.com/cloudillo/cloudillo/internal/realtime"
)

// Server is the HTTP API server wiring the action pipeline, key
// publishing, ACME enrollment, and the realtime WS bus behind one
// router.
type Server struct {
	Router    *chi.Mux
	Pipeline  *action.Pipeline
	Auth      adapters.AuthStore
	CertMgr   *certmgr.Manager
	Realtime  *realtime.Manager
	Limiter   *ratelimit.Limiter
	Config    *config.Config
	TnID      string // the base tenant this node serves
	Logger    *slog.Logger
	server    *http.Server

	// Media and WebAuthn are optional: set after New returns, mirroring
	// how optional services attach to the server (Media is nil unless an
	// image pipeline was wired; WebAuthn is nil unless passkey login is
	// configured for the admin surface).
	Media    *media.Pipeline
	WebAuthn *webauthn.WebAuthn

	adminMu       sync.Mutex
	adminSessions map[string]*webauthn.SessionData
}

// New creates a Server with all routes and middleware registered.
func New(pipeline *action.Pipeline, auth adapters.AuthStore, certMgr *certmgr.Manager, rt *realtime.Manager, limiter *ratelimit.Limiter, cfg *config.Config, tnID string, logger *slog.Logger) *Server {
	s := &Server{
		Router:        chi.NewRouter(),
		Pipeline:      pipeline,
		Auth:          auth,
		CertMgr:       certMgr,
		Realtime:      rt,
		Limiter:       limiter,
		Config:        cfg,
		TnID:          tnID,
		Logger:        logger,
		adminSessions: make(map[string]*webauthn.SessionData),
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(slogMiddleware(s.Logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(30 * time.Second))
	s.Router.Use(maxBodySize(4 << 20))
}

func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealth)
	s.Router.Get("/.well-known/acme-challenge/*", s.CertMgr.ChallengeHandler().ServeHTTP)

	s.Router.Post("/inbox", s.handleInbox)
	s.Router.Get("/me/keys", s.handleMeKeys)

	s.Router.Route("/api", func(r chi.Router) {
		r.Post("/actions", s.handleCreateAction)
		r.Post("/files", s.handleUploadFile)
	})

	s.Router.Route("/admin", func(r chi.Router) {
		r.Post("/login", s.handleAdminLogin)
		r.Post("/webauthn/register/begin", s.handleAdminWebAuthnRegisterBegin)
		r.Post("/webauthn/register/finish", s.handleAdminWebAuthnRegisterFinish)
		r.Post("/webauthn/login/begin", s.handleAdminWebAuthnLoginBegin)
		r.Post("/webauthn/login/finish", s.handleAdminWebAuthnLoginFinish)
	})

	s.Router.Get("/ws/bus", s.handleWS)
	s.Router.Get("/ws/rtdb/*", s.handleWS)
	s.Router.Get("/ws/crdt/*", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleInbox implements the federated receiver of spec.md §6 "Wire —
// /inbox endpoint": `{ "token": "<jwt>", "related": [...]? }`.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token   string   `json:"token"`
		Related []string `json:"related,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, coreerr.New(coreerr.Parse, "decoding request body"))
		return
	}
	if body.Token == "" {
		writeError(w, coreerr.New(coreerr.ValidationError, "token is required"))
		return
	}

	act, err := s.Pipeline.Receive(r.Context(), s.TnID, remoteAddr(r), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"action_id": act.ActionID}})
}

// handleMeKeys implements spec.md §6 "Wire — /me/keys endpoint":
// `{ data: { keys: [{ keyId, publicKey, expiresAt? }, ...] } }`.
func (s *Server) handleMeKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Auth.ListSigningKeys(r.Context(), s.TnID)
	if err != nil {
		writeError(w, err)
		return
	}
	type keyDoc struct {
		KeyID     string  `json:"keyId"`
		PublicKey string  `json:"publicKey"`
		ExpiresAt *string `json:"expiresAt,omitempty"`
	}
	out := make([]keyDoc, 0, len(keys))
	for _, k := range keys {
		doc := keyDoc{KeyID: k.KeyID, PublicKey: stripPEMHeaders(k.PublicPEM)}
		if k.ExpiresAt != nil {
			s := k.ExpiresAt.UTC().Format(time.RFC3339)
			doc.ExpiresAt = &s
		}
		out = append(out, doc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": out}})
}

// handleCreateAction is the client-facing outbound entry point for spec
// §4.E's Create flow.
func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	if err := s.Limiter.Check(remoteAddr(r), ratelimit.CategoryGeneral); err != nil {
		writeError(w, err)
		return
	}
	var req action.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coreerr.New(coreerr.Parse, "decoding request body"))
		return
	}
	act, err := s.Pipeline.Create(r.Context(), s.TnID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": act})
}

// handleUploadFile implements spec §4.J's ingest entry point: the raw
// body is decoded, blurhashed, resized into the variant ladder, and
// stored through Media, owned by this node's base tenant.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if s.Media == nil {
		writeError(w, coreerr.New(coreerr.ServiceUnavail, "file uploads are not configured"))
		return
	}
	if err := s.Limiter.Check(remoteAddr(r), ratelimit.CategoryGeneral); err != nil {
		writeError(w, err)
		return
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, coreerr.New(coreerr.Parse, "reading upload body"))
		return
	}
	ownerTag, err := s.Auth.IDTag(r.Context(), s.TnID)
	if err != nil {
		writeError(w, err)
		return
	}
	mimeType := r.Header.Get("Content-Type")
	fileID, err := s.Media.Ingest(r.Context(), s.TnID, ownerTag, mimeType, content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"fileId": fileID}})
}

// handleWS upgrades /ws/bus, /ws/rtdb/<file_id>, and /ws/crdt/<doc_id> to
// a WebSocket and dispatches by the protocol tag RoutePath recognizes
// (spec §4.H).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	protocol, resourceID, ok := realtime.RoutePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: false})
	if err != nil {
		return
	}
	conn := realtime.NewConn(ws)
	ctx := r.Context()
	go conn.WriteLoop(ctx)

	topicName := protocol
	switch protocol {
	case "rtdb":
		topicName = realtime.CollectionTopic(resourceID)
	case "crdt":
		topicName = realtime.DocumentTopic(resourceID)
	default:
		topicName = realtime.TenantTopic(s.TnID)
	}

	ch, unsubscribe, err := s.Realtime.Subscribe(topicName, r.RemoteAddr)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "too many channels")
		return
	}
	defer unsubscribe()

	go func() {
		for msg := range ch {
			conn.Send(msg)
		}
	}()

	conn.ReadLoop(ctx, func(typ websocket.MessageType, data []byte) {
		if protocol != "bus" || typ != websocket.MessageText {
			return
		}
		cmd, err := realtime.ParseBusCommand(data)
		if err != nil {
			return
		}
		switch cmd.Cmd {
		case "publish":
			s.Realtime.Publish(cmd.Topic, realtime.NewMessage("publish", r.RemoteAddr, cmd.Data))
		}
	})
}

// Start runs the HTTP server until it's shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Config.HTTP.Listen,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.Logger.Info("HTTP server starting", slog.String("listen", s.Config.HTTP.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

func remoteAddr(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}

func stripPEMHeaders(pem string) string {
	lines := strings.Split(pem, "\n")
	var b strings.Builder
	for _, l := range lines {
		if strings.HasPrefix(l, "-----") || strings.TrimSpace(l) == "" {
			continue
		}
		b.WriteString(l)
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, env := coreerr.ToEnvelope(err)
	writeJSON(w, status, env)
}

func slogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func maxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if r.Body != nil && !strings.HasPrefix(ct, "multipart/form-data") {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
