// Package httpapi implements the ingress contract (§6.2): POST /boot,
// POST /records, GET /records, GET /timeline/stream, GET /health, plus
// /metrics. Grounded on the teacher's internal/app/httpapi/handler.go — a
// plain http.ServeMux with one method per route and a wrapWithAuth
// composite middleware — the wired convention SPEC_FULL.md §B calls out in
// preference to the unwired gin/chi/gorilla deps the pack also carries.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loglineos/core/internal/ctxprovider"
	"github.com/loglineos/core/internal/ledger"
	"github.com/loglineos/core/internal/ledgererr"
	"github.com/loglineos/core/internal/manifest"
	"github.com/loglineos/core/internal/stage0"
	"github.com/loglineos/core/pkg/logger"
	"github.com/loglineos/core/pkg/metrics"
)

// Handler bundles the ingress surface over one Store/Manifest pair.
type Handler struct {
	Store        *ledger.Store
	DB           *sql.DB
	DSN          string
	Manifest     *manifest.Loader
	IsProduction bool
	SigningKey   string
	PublicKey    string

	APITokens      []string
	JWTSecret      string
	AllowedOrigins []string

	Log *logger.Logger

	audit    *auditLog
	limiters sync.Map // tenant id -> *rate.Limiter
}

// NewHandler builds the ServeMux for the ingress contract (§6.2).
func NewHandler(h *Handler) http.Handler {
	if h.Log == nil {
		h.Log = logger.NewDefault("httpapi")
	}
	h.audit = newAuditLog(200)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", h.health)
	mux.Handle("/boot", h.withAuth(h.withCORS(http.HandlerFunc(h.boot))))
	mux.Handle("/records", h.withAuth(h.withCORS(http.HandlerFunc(h.records))))
	mux.Handle("/timeline/stream", h.withAuth(h.withCORS(http.HandlerFunc(h.stream))))
	mux.Handle("/admin/audit", h.withAuth(h.withCORS(http.HandlerFunc(h.adminAudit))))

	return metrics.InstrumentHandler("ingress", mux)
}

func (h *Handler) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-User-Id, X-Tenant-Id, X-Trace-Id")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	if len(h.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// withAuth resolves the session identity (§4.3), applies a per-tenant
// request-rate shaper (SPEC_FULL.md §B golang.org/x/time/rate entry: "HTTP
// ingress throttling"), and audits the outcome.
func (h *Handler) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.resolveIdentity(r)
		if !ok {
			h.writeError(w, ledgererr.Authorization("httpapi.withAuth", fmt.Errorf("missing or invalid credential")))
			return
		}
		if !h.limiterFor(id.TenantID).Allow() {
			h.writeError(w, ledgererr.Transient("httpapi.withAuth", fmt.Errorf("rate limit exceeded for tenant %q", id.TenantID)))
			return
		}

		sw := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, id)
		next.ServeHTTP(sw, r.WithContext(ctx))

		h.audit.add(auditEntry{Time: time.Now().UTC(), UserID: id.UserID, TenantID: id.TenantID, Path: r.URL.Path, Method: r.Method, Status: sw.status})
	})
}

type identityCtxKey struct{}

func identityFrom(r *http.Request) identity {
	if id, ok := r.Context().Value(identityCtxKey{}).(identity); ok {
		return id
	}
	return identity{}
}

// limiterFor returns a token-bucket limiter scoped to tenantID, lazily
// created. 20 req/s with a burst of 40 is a deliberately conservative
// default; the quota guard in run_code_kernel is the authoritative limit,
// this is only shedding abusive request volume at the edge.
func (h *Handler) limiterFor(tenantID string) *rate.Limiter {
	if v, ok := h.limiters.Load(tenantID); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(20, 40)
	actual, _ := h.limiters.LoadOrStore(tenantID, l)
	return actual.(*rate.Limiter)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		var one int
		if err := h.DB.QueryRowContext(r.Context(), "SELECT 1").Scan(&one); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// boot implements POST /boot (§6.2, §4.4).
func (h *Handler) boot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, ledgererr.Validation("httpapi.boot", fmt.Errorf("method %s not allowed", r.Method)))
		return
	}
	var req stage0.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ledgererr.Validation("httpapi.boot", err))
		return
	}
	id := identityFrom(r)
	if req.UserID == "" {
		req.UserID = id.UserID
	}
	if req.TenantID == "" {
		req.TenantID = id.TenantID
	}
	if req.TraceID == "" {
		req.TraceID = id.TraceID
	}

	loader := &stage0.Loader{Store: h.Store, Manifest: h.Manifest, IsProduction: h.IsProduction, SigningKey: h.SigningKey, PublicKey: h.PublicKey}
	result, err := loader.Boot(r.Context(), req)
	if err != nil {
		h.Log.Component("stage0").WithFields(map[string]any{"user_id": req.UserID, "tenant_id": req.TenantID}).WithError(err).Warn("boot failed")
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// records implements both POST /records (ingest, I6) and GET /records
// (paginated query over the visible timeline, §6.2, B1).
func (h *Handler) records(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	kctx := ctxprovider.New(h.Store, ctxprovider.Env{UserID: id.UserID, TenantID: id.TenantID, SigningKey: h.SigningKey, PublicKey: h.PublicKey})

	switch r.Method {
	case http.MethodPost:
		var rec ledger.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			h.writeError(w, ledgererr.Validation("httpapi.records", err))
			return
		}
		rec.OwnerID = id.UserID
		if rec.TenantID == "" {
			rec.TenantID = id.TenantID
		}
		if rec.TraceID == "" {
			rec.TraceID = id.TraceID
		}
		if h.SigningKey != "" && rec.CurrHash == "" {
			if err := rec.Sign(h.SigningKey, h.PublicKey); err != nil {
				h.writeError(w, ledgererr.Internal("httpapi.records", err))
				return
			}
		}
		if err := kctx.InsertRecord(r.Context(), &rec); err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(rec)

	case http.MethodGet:
		q := r.URL.Query()
		limit := ledger.MaxQueryLimit / 5 // default page size, §6.2
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				h.writeError(w, ledgererr.Validation("httpapi.records", fmt.Errorf("limit must be a non-negative integer")))
				return
			}
			if n > ledger.MaxQueryLimit {
				h.writeError(w, ledgererr.Validation("httpapi.records", fmt.Errorf("limit must be <= %d", ledger.MaxQueryLimit)))
				return
			}
			limit = n
		}
		offset := 0
		if raw := q.Get("offset"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				h.writeError(w, ledgererr.Validation("httpapi.records", fmt.Errorf("offset must be a non-negative integer")))
				return
			}
			offset = n
		}

		opts := ledger.QueryOptions{
			EntityType: q.Get("entity_type"),
			Status:     q.Get("status"),
			OwnerID:    q.Get("owner_id"),
			Visibility: q.Get("visibility"),
			TenantID:   id.TenantID,
			Limit:      limit,
			Offset:     offset,
		}
		rows, err := kctx.Query(r.Context(), opts)
		if err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)

	default:
		h.writeError(w, ledgererr.Validation("httpapi.records", fmt.Errorf("method %s not allowed", r.Method)))
	}
}

// stream implements GET /timeline/stream: server-sent events relayed from
// the timeline_updates channel (§6.1, §6.2). Each event's data is the
// notification payload Store.InsertRecord publishes, which is the inserted
// row's content hash, not the row itself. A periodic
// ping every 30s to keep the connection alive per the ingress contract.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, ledgererr.Internal("httpapi.stream", fmt.Errorf("streaming unsupported")))
		return
	}
	if h.DSN == "" {
		h.writeError(w, ledgererr.Configuration("httpapi.stream", fmt.Errorf("no store DSN configured for LISTEN/NOTIFY")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan string, 64)
	go func() {
		_ = ledger.Listen(ctx, h.DSN, "timeline_updates", func(payload string) {
			select {
			case events <- payload:
			default:
			}
		})
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-events:
			fmt.Fprintf(w, "event: record\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (h *Handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.audit.list(limit))
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (s *statusCapture) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
