package certmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudillo/cloudillo/internal/scheduler"
)

// Manager wires the SNI cache, the challenge responder, and the ACME
// enroller together behind the renewal cron (spec §4.D).
type Manager struct {
	Cache      *Cache
	Responder  *ChallengeResponder
	enroller   *Enroller
	store      Store
	renewWindow time.Duration
	idTag      string
	log        *slog.Logger
}

// Config configures a Manager.
type Config struct {
	DirectoryURL  string
	ContactEmail  string
	IDTag         string // base tenant's id_tag, used for the cl-o.<id_tag> alias
	RenewWindow   time.Duration
	Logger        *slog.Logger
}

// NewManager builds a Manager, registering a fresh ACME account with the
// directory at cfg.DirectoryURL.
func NewManager(ctx context.Context, store Store, cfg Config) (*Manager, error) {
	if cfg.RenewWindow <= 0 {
		cfg.RenewWindow = 30 * 24 * time.Hour // spec §4.D "renewal window (default 30 days)"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	responder := NewChallengeResponder()
	enroller, err := NewEnroller(ctx, cfg.DirectoryURL, cfg.ContactEmail, nil, responder)
	if err != nil {
		return nil, fmt.Errorf("building ACME enroller: %w", err)
	}
	return &Manager{
		Cache:       NewCache(store),
		Responder:   responder,
		enroller:    enroller,
		store:       store,
		renewWindow: cfg.RenewWindow,
		idTag:       cfg.IDTag,
		log:         cfg.Logger,
	}, nil
}

// ChallengeHandler serves /.well-known/acme-challenge/<token> on the
// HTTP-only port 80 listener (spec §4.D step 2).
func (m *Manager) ChallengeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, "/.well-known/acme-challenge/")
		keyAuth, ok := m.Responder.Lookup(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(keyAuth))
	})
}

// Enroll runs the order/authorize/finalize cycle for one tenant's
// domains (the app domain plus the implied cl-o.<id_tag> alias),
// persists the result via the auth adapter, and installs it into the
// cache (spec §4.D steps 1-5).
func (m *Manager) Enroll(ctx context.Context, appDomain string) error {
	alias := "cl-o." + m.idTag
	rec, err := m.enroller.Enroll(ctx, []string{alias, appDomain})
	if err != nil {
		return fmt.Errorf("enrolling %s: %w", appDomain, err)
	}
	if err := m.store.PutCert(appDomain, rec); err != nil {
		return fmt.Errorf("persisting cert for %s: %w", appDomain, err)
	}
	cert, err := ParseCertRecord(rec)
	if err != nil {
		return fmt.Errorf("parsing issued cert for %s: %w", appDomain, err)
	}
	m.Cache.Install(appDomain, cert)
	m.Cache.InstallAlias(appDomain, alias)
	return nil
}

// renewalTaskCtx is the serialized context for a CertRenewal task
// (spec §4.C "CertRenewal (cron)").
type renewalTaskCtx struct{}

// RenewalTaskKind is the registered task kind for the cron-driven
// renewal sweep.
const RenewalTaskKind = "core.cert_renewal"

// RenewalTaskType registers the CertRenewal cron task with a Scheduler.
type RenewalTaskType struct {
	Manager *Manager
}

func (RenewalTaskType) Kind() string { return RenewalTaskKind }

func (rt RenewalTaskType) Build(taskID, serializedCtx string) (scheduler.Task, error) {
	return &renewalTask{mgr: rt.Manager}, nil
}

type renewalTask struct {
	mgr *Manager
}

func (t *renewalTask) Serialize() (string, error) {
	b, err := json.Marshal(renewalTaskCtx{})
	return string(b), err
}

// Run lists tenants/proxy sites due for renewal and re-enrolls each in
// turn. A single tenant's failure is logged and does not abort the
// batch (spec §4.D "Errors on a single tenant must not abort the
// batch").
func (t *renewalTask) Run(ctx context.Context, app any) error {
	cutoff := time.Now().Add(t.mgr.renewWindow).Unix()
	domains, err := t.mgr.store.ListRenewable(cutoff)
	if err != nil {
		return fmt.Errorf("listing renewable domains: %w", err)
	}
	for _, d := range domains {
		if err := t.mgr.Enroll(ctx, d); err != nil {
			t.mgr.log.Error("renewal failed", "domain", d, "error", err)
		}
	}
	return nil
}
