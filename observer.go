package permitd

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/permitd/internal/arbiter"
	"pkt.systems/permitd/internal/hoststats"
	"pkt.systems/permitd/internal/session"
	"pkt.systems/permitd/internal/svcfields"
	"pkt.systems/permitd/internal/version"
	"pkt.systems/permitd/internal/wire"
)

const adminSpanName = "permitd.admin"

// QueueView is the /v1/queue response. Pending is in grant order.
type QueueView struct {
	Capacity int           `json:"capacity"`
	Length   int           `json:"length"`
	Pending  []PendingView `json:"pending"`
}

// PendingView describes one queued REQUEST.
type PendingView struct {
	Position      int       `json:"position"`
	Requester     int       `json:"requester"`
	Label         string    `json:"label"`
	Session       string    `json:"session"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	WaitingMillis int64     `json:"waiting_ms"`
}

// LedgerView is the /v1/ledger response.
type LedgerView struct {
	Total      uint64        `json:"total"`
	Requesters []LedgerEntry `json:"requesters"`
}

// LedgerEntry is one requester's grant count.
type LedgerEntry struct {
	Requester int    `json:"requester"`
	Label     string `json:"label"`
	Grants    uint64 `json:"grants"`
}

// HolderView describes the current permit holder.
type HolderView struct {
	Requester  int       `json:"requester"`
	Label      string    `json:"label"`
	GrantID    string    `json:"grant_id"`
	Session    string    `json:"session"`
	GrantedAt  time.Time `json:"granted_at"`
	HeldMillis int64     `json:"held_ms"`
}

// PermitView is the permit half of /v1/status.
type PermitView struct {
	Held   bool        `json:"held"`
	Holder *HolderView `json:"holder,omitempty"`
}

// PolicyView echoes the effective policies.
type PolicyView struct {
	Routing             string `json:"routing"`
	ReleasePolicy       string `json:"release_policy"`
	QueueFullPolicy     string `json:"queue_full_policy"`
	PurgeOnDisconnect   bool   `json:"purge_on_disconnect"`
	ReleaseOnDisconnect bool   `json:"release_on_disconnect"`
}

// StatusView is the /v1/status response.
type StatusView struct {
	Version       version.Info     `json:"version"`
	StartedAt     time.Time        `json:"started_at"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Permit        PermitView       `json:"permit"`
	QueueLength   int              `json:"queue_length"`
	QueueCapacity int              `json:"queue_capacity"`
	GrantsTotal   uint64           `json:"grants_total"`
	Sessions      []session.Info   `json:"sessions"`
	Policies      PolicyView       `json:"policies"`
	Process       hoststats.Sample `json:"process"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// observer serves read-only views of a running server.
type observer struct {
	srv     *Server
	sampler *hoststats.Sampler
	logger  pslog.Logger
}

func newObserver(srv *Server, sampler *hoststats.Sampler, logger pslog.Logger) *observer {
	return &observer{
		srv:     srv,
		sampler: sampler,
		logger:  svcfields.WithSubsystem(logger, "observer"),
	}
}

func (o *observer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/queue", o.readOnly(o.handleQueue))
	mux.HandleFunc("/v1/ledger", o.readOnly(o.handleLedger))
	mux.HandleFunc("/v1/status", o.readOnly(o.handleStatus))
	mux.HandleFunc("/healthz", o.readOnly(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	return otelhttp.NewHandler(mux, adminSpanName)
}

func (o *observer) readOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed", Detail: r.Method + " not supported"})
			return
		}
		o.logger.Trace("permitd.observer.request", "path", r.URL.Path, "remote", r.RemoteAddr)
		next(w, r)
	}
}

func (o *observer) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, queueView(o.srv.Snapshot(), o.srv.now()))
}

func (o *observer) handleLedger(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ledgerView(o.srv.Snapshot()))
}

func (o *observer) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := o.srv.now()
	snap := o.srv.Snapshot()
	cfg := o.srv.cfg
	view := StatusView{
		Version:       version.Report(),
		StartedAt:     o.srv.startedAt,
		UptimeSeconds: now.Sub(o.srv.startedAt).Seconds(),
		Permit:        PermitView{Held: snap.Held, Holder: holderView(snap.Holder, now)},
		QueueLength:   len(snap.Pending),
		QueueCapacity: snap.Capacity,
		GrantsTotal:   snap.Total,
		Sessions:      o.srv.registry.List(),
		Policies: PolicyView{
			Routing:             cfg.Routing,
			ReleasePolicy:       cfg.ReleasePolicy,
			QueueFullPolicy:     cfg.QueueFullPolicy,
			PurgeOnDisconnect:   !cfg.DisablePurgeOnDisconnect,
			ReleaseOnDisconnect: !cfg.DisableReleaseOnDisconnect,
		},
	}
	if view.Sessions == nil {
		view.Sessions = []session.Info{}
	}
	sample, err := o.sampler.Sample(r.Context())
	if err != nil {
		o.logger.Debug("permitd.observer.process_sample_failed", "error", err)
	}
	view.Process = sample
	writeJSON(w, http.StatusOK, view)
}

func queueView(snap arbiter.Snapshot, now time.Time) QueueView {
	view := QueueView{
		Capacity: snap.Capacity,
		Length:   len(snap.Pending),
		Pending:  make([]PendingView, 0, len(snap.Pending)),
	}
	for i, p := range snap.Pending {
		view.Pending = append(view.Pending, PendingView{
			Position:      i,
			Requester:     wire.RequesterID(p.Requester),
			Label:         wire.RequesterLabel(p.Requester),
			Session:       p.Session,
			EnqueuedAt:    p.EnqueuedAt,
			WaitingMillis: now.Sub(p.EnqueuedAt).Milliseconds(),
		})
	}
	return view
}

func ledgerView(snap arbiter.Snapshot) LedgerView {
	view := LedgerView{
		Total:      snap.Total,
		Requesters: make([]LedgerEntry, 0, len(snap.Grants)),
	}
	for requester, count := range snap.Grants {
		view.Requesters = append(view.Requesters, LedgerEntry{
			Requester: wire.RequesterID(requester),
			Label:     wire.RequesterLabel(requester),
			Grants:    count,
		})
	}
	sort.Slice(view.Requesters, func(i, j int) bool {
		return view.Requesters[i].Label < view.Requesters[j].Label
	})
	return view
}

func holderView(holder *arbiter.Grant, now time.Time) *HolderView {
	if holder == nil {
		return nil
	}
	return &HolderView{
		Requester:  wire.RequesterID(holder.Requester),
		Label:      wire.RequesterLabel(holder.Requester),
		GrantID:    holder.ID,
		Session:    holder.Session,
		GrantedAt:  holder.GrantedAt,
		HeldMillis: now.Sub(holder.GrantedAt).Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
