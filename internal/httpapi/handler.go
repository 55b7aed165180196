// Package httpapi exposes sessions, purchases, rewards and access decisions
// over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/course_market/internal/access"
	"github.com/R3E-Network/course_market/internal/domain/market"
	"github.com/R3E-Network/course_market/internal/logging"
	"github.com/R3E-Network/course_market/internal/metrics"
	"github.com/R3E-Network/course_market/internal/middleware"
	"github.com/R3E-Network/course_market/internal/purchase"
	"github.com/R3E-Network/course_market/internal/session"
)

const maxBodyBytes = 1 << 20

// Options configures the handler.
type Options struct {
	Sessions *session.Manager
	Catalog  *market.Catalog
	Gate     *access.Gate
	Log      *logging.Logger

	// Auth verifies wallet logins and guards the per-address session routes.
	// Nil uses an authenticator with an ephemeral secret.
	Auth *middleware.WalletAuth

	// AdminToken guards course seeding and record resets. Empty disables them.
	AdminToken     string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

type handler struct {
	sessions   *session.Manager
	catalog    *market.Catalog
	gate       *access.Gate
	log        *logging.Logger
	auth       *middleware.WalletAuth
	adminToken string
	upgrader   websocket.Upgrader
}

// NewHandler returns the API router.
func NewHandler(opts Options) http.Handler {
	log := logging.OrDiscard(opts.Log).WithComponent("httpapi")
	auth := opts.Auth
	if auth == nil {
		auth = middleware.NewWalletAuth("", 0, opts.Log)
	}
	h := &handler{
		sessions:   opts.Sessions,
		catalog:    opts.Catalog,
		gate:       opts.Gate,
		log:        log,
		auth:       auth,
		adminToken: opts.AdminToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(middleware.Recover(opts.Log), middleware.RequestID(opts.Log), metrics.InstrumentHandler)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	if opts.RateLimit > 0 {
		v1.Use(middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst, opts.Log).Handler)
	}

	v1.HandleFunc("/auth/nonce", h.nonce).Methods(http.MethodPost)
	v1.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)

	s := v1.PathPrefix("/sessions/{address}").Subrouter()
	s.Use(auth.RequireAddress)
	s.HandleFunc("", h.connect).Methods(http.MethodPost)
	s.HandleFunc("", h.disconnect).Methods(http.MethodDelete)
	s.HandleFunc("/purchases", h.purchase).Methods(http.MethodPost)
	s.HandleFunc("/purchases/current", h.currentPurchase).Methods(http.MethodGet)
	s.HandleFunc("/purchases/current", h.cancelPurchase).Methods(http.MethodDelete)
	s.HandleFunc("/purchases/stream", h.streamPurchase).Methods(http.MethodGet)
	s.HandleFunc("/purchases/reconcile", h.reconcile).Methods(http.MethodPost)
	s.HandleFunc("/approvals", h.approve).Methods(http.MethodPost)
	s.HandleFunc("/rewards", h.rewards).Methods(http.MethodGet)
	s.HandleFunc("/rewards/refresh", h.refreshRewards).Methods(http.MethodPost)

	v1.HandleFunc("/courses/{courseId}", h.course).Methods(http.MethodGet)
	v1.HandleFunc("/courses/{courseId}", h.admin(h.putCourse)).Methods(http.MethodPut)
	v1.HandleFunc("/courses/{courseId}/access", h.access).Methods(http.MethodGet)
	v1.HandleFunc("/purchases/{address}/{courseId}", h.admin(h.resetPurchase)).Methods(http.MethodDelete)

	// Preflight requests are answered before routing, since routes only
	// register their own methods.
	if len(opts.AllowedOrigins) > 0 {
		return middleware.CORS(opts.AllowedOrigins)(r)
	}
	return r
}

// =============================================================================
// Wallet login
// =============================================================================

func (h *handler) nonce(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	addr, ok := parseAddress(w, payload.Address)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.auth.Challenge(addr))
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Address   string        `json:"address"`
		Signature hexutil.Bytes `json:"signature"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	addr, ok := parseAddress(w, payload.Address)
	if !ok {
		return
	}
	token, expires, err := h.auth.Login(addr, payload.Signature)
	switch {
	case errors.Is(err, middleware.ErrNonceNotFound), errors.Is(err, middleware.ErrSignatureMismatch):
		writeError(w, http.StatusUnauthorized, "login_failed", err)
		return
	case err != nil:
		h.writeError(w, r, err)
		return
	}
	h.log.WithContext(r.Context()).WithField("address", addr.Hex()).Info("wallet logged in")
	writeJSON(w, http.StatusOK, map[string]any{
		"address":   addr,
		"token":     token,
		"expiresAt": expires,
	})
}

// =============================================================================
// Sessions
// =============================================================================

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(h.sessions.Sessions()),
	})
}

type sessionResponse struct {
	Address     common.Address    `json:"address"`
	ConnectedAt time.Time         `json:"connectedAt"`
	Purchase    purchase.Snapshot `json:"purchase"`
	Pending     int               `json:"pendingTransactions"`
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	s, err := h.sessions.Connect(r.Context(), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Address:     s.Address,
		ConnectedAt: s.ConnectedAt,
		Purchase:    s.Orchestrator.Snapshot(),
		Pending:     s.Orchestrator.Pending(),
	})
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	if !h.sessions.Disconnect(addr) {
		h.writeError(w, r, session.ErrNotConnected)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	addr, ok := addressVar(w, r)
	if !ok {
		return nil, false
	}
	s, ok := h.sessions.Get(addr)
	if !ok {
		h.writeError(w, r, session.ErrNotConnected)
		return nil, false
	}
	return s, true
}

// =============================================================================
// Purchases
// =============================================================================

func (h *handler) purchase(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		CourseID string `json:"courseId"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.gate.CanPurchase(r.Context(), payload.CourseID, s.Address); err != nil {
		h.writeError(w, r, err)
		return
	}

	// A submitted transaction is awaited even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	outcome, err := s.Orchestrator.PurchaseCourse(ctx, payload.CourseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handler) approve(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		Amount string `json:"amount"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := s.Orchestrator.Approve(context.WithoutCancel(r.Context()), payload.Amount); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Orchestrator.Snapshot())
}

func (h *handler) currentPurchase(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Orchestrator.Snapshot())
}

func (h *handler) cancelPurchase(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Orchestrator.Cancel(); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Orchestrator.Snapshot())
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	records, err := s.Orchestrator.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []market.PurchaseRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"pending": s.Orchestrator.Pending(),
	})
}

// streamPurchase pushes every purchase snapshot over a websocket until the
// client disconnects or the session ends.
func (h *handler) streamPurchase(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.Orchestrator.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case snap, open := <-updates:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

// =============================================================================
// Rewards
// =============================================================================

func (h *handler) rewards(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Rewards.View())
}

func (h *handler) refreshRewards(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	// Partial failures are reported in the view rather than as an HTTP error.
	if err := s.Rewards.Refresh(r.Context()); err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("reward refresh incomplete")
	}
	writeJSON(w, http.StatusOK, s.Rewards.View())
}

// =============================================================================
// Courses and access
// =============================================================================

func (h *handler) course(w http.ResponseWriter, r *http.Request) {
	c, err := h.catalog.Course(r.Context(), mux.Vars(r)["courseId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) putCourse(w http.ResponseWriter, r *http.Request) {
	var c market.Course
	if err := decodeJSON(w, r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	c.ID = mux.Vars(r)["courseId"]
	if err := h.catalog.PutCourse(r.Context(), c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_course", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) access(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var viewer *common.Address
	if raw := q.Get("address"); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusBadRequest, "invalid_address", fmt.Errorf("invalid address %q", raw))
			return
		}
		addr := common.HexToAddress(raw)
		viewer = &addr
	}

	decision, err := h.gate.Decide(r.Context(), mux.Vars(r)["courseId"], q.Get("lesson"), viewer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decision": decision,
		"allowed":  decision == access.Allow,
	})
}

func (h *handler) resetPurchase(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	courseID := mux.Vars(r)["courseId"]
	if err := h.catalog.ResetPurchase(r.Context(), addr, courseID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.LogSecurityEvent(r.Context(), "purchase_record_reset", map[string]interface{}{
		"address":   addr.Hex(),
		"course_id": courseID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", errors.New("admin endpoints are disabled"))
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			h.log.LogSecurityEvent(r.Context(), "admin_auth_failed", map[string]interface{}{
				"path": r.URL.Path,
			})
			writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("invalid admin token"))
			return
		}
		next(w, r)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	return parseAddress(w, mux.Vars(r)["address"])
}

func parseAddress(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_address", fmt.Errorf("invalid address %q", raw))
		return common.Address{}, false
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "invalid_address", errors.New("zero address"))
		return common.Address{}, false
	}
	return addr, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]string{"code": code, "error": err.Error()})
}
