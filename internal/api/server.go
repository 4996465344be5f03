package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/cache"
	"outcome-exchange/internal/engine"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/governance"
	"outcome-exchange/internal/metrics"
	"outcome-exchange/internal/model"
	"outcome-exchange/internal/ws"
)

// Store is the account side of persistence used by the API. Pools and
// proposals are read through the engine manager and the ledger.
type Store interface {
	CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	GetWallets(ctx context.Context, userID string) ([]model.Wallet, error)
	Deposit(ctx context.Context, userID string, asset model.Asset, amount fixed.Amount) (*model.Wallet, error)
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)
	ListEvents(ctx context.Context, poolID *string, limit int) ([]model.Event, error)
	ListUserEvents(ctx context.Context, userID string, limit int) ([]model.Event, error)
}

type Config struct {
	JWTSecret      string
	TokenTTL       time.Duration
	IdempotencyTTL time.Duration
	RateLimit      float64
	RateBurst      int
	CORSOrigins    []string
	SignupUSDT     fixed.Amount
	SignupBET      fixed.Amount
	// IsAdmin decides whether a newly registered email gets the admin role.
	IsAdmin func(email string) bool
}

type Deps struct {
	Store   Store
	Manager *engine.Manager
	Ledger  *governance.Ledger
	Hub     *ws.Hub
	Metrics *metrics.PoolMetrics
	Idem    cache.Idempotency
	Logger  *slog.Logger
}

type Server struct {
	store   Store
	manager *engine.Manager
	ledger  *governance.Ledger
	hub     *ws.Hub
	metrics *metrics.PoolMetrics
	idem    cache.Idempotency
	limits  *limiter
	log     *slog.Logger
	cfg     Config
	secret  []byte
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.IsAdmin == nil {
		cfg.IsAdmin = func(string) bool { return false }
	}
	s := &Server{
		store:   deps.Store,
		manager: deps.Manager,
		ledger:  deps.Ledger,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		idem:    deps.Idem,
		limits:  newLimiter(cfg.RateLimit, cfg.RateBurst),
		log:     deps.Logger,
		cfg:     cfg,
		secret:  []byte(cfg.JWTSecret),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "api")
	if s.idem == nil {
		s.idem = cache.NewMemory()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)
	r.Post("/api/oracle/resolve", s.oracleResolve)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimit)
		r.Use(s.idempotent)

		r.Get("/api/wallet", s.getWallet)
		r.Get("/api/positions", s.listPositions)
		r.Get("/api/activity", s.activity)

		r.Get("/api/pools", s.listPools)
		r.Post("/api/pools", s.createPool)
		r.Get("/api/pools/{id}", s.getPool)
		r.Get("/api/pools/{id}/odds", s.getOdds)
		r.Post("/api/pools/{id}/quote", s.quote)
		r.Post("/api/pools/{id}/buy", s.buy)
		r.Post("/api/pools/{id}/sell", s.sell)
		r.Post("/api/pools/{id}/claim", s.claim)

		r.Get("/api/proposals", s.listProposals)
		r.Post("/api/proposals", s.createProposal)
		r.Get("/api/proposals/{id}", s.getProposal)
		r.Post("/api/proposals/{id}/vote", s.vote)
		r.Post("/api/proposals/{id}/finalize", s.finalize)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/pools/{id}/resolve", s.adminResolve)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/users", s.listUsers)
			r.Get("/api/admin/events", s.listEvents)
			r.Get("/api/admin/metrics", s.summary)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !strings.Contains(req.Email, "@") || len(req.Password) < 6 {
		s.fail(w, r, fmt.Errorf("email and password (min 6 chars) required: %w", apperr.ErrInvalidInput))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.fail(w, r, fmt.Errorf("hash password: %w", err))
		return
	}
	role := model.RoleUser
	if s.cfg.IsAdmin(req.Email) {
		role = model.RoleAdmin
	}
	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), role)
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyExists) {
			err = fmt.Errorf("email already registered: %w", err)
		}
		s.fail(w, r, err)
		return
	}

	for asset, amt := range map[model.Asset]fixed.Amount{model.AssetUSDT: s.cfg.SignupUSDT, model.AssetBET: s.cfg.SignupBET} {
		if amt.IsZero() {
			continue
		}
		if _, err := s.store.Deposit(r.Context(), user.ID, asset, amt); err != nil {
			s.log.Error("signup grant failed", "user", user.ID, "asset", asset, "err", err)
		}
	}

	token, err := s.makeToken(user.ID, user.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonStatus(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		jsonErr(w, http.StatusUnauthorized, "InvalidCredentials", "invalid credentials")
		return
	}
	token, err := s.makeToken(user.ID, user.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(s.cfg.TokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxUserID).(string)
	return id
}

func caller(r *http.Request) model.Caller {
	role, _ := r.Context().Value(ctxRole).(string)
	return model.Caller{ID: userID(r), Role: model.Role(role)}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, http.StatusUnauthorized, "MissingToken", "missing token")
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			jsonErr(w, http.StatusUnauthorized, "InvalidToken", "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, http.StatusUnauthorized, "InvalidToken", "invalid claims")
			return
		}
		uid, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		if uid == "" {
			jsonErr(w, http.StatusUnauthorized, "InvalidToken", "invalid claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, uid)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller(r).Role != model.RoleAdmin {
			jsonErr(w, http.StatusForbidden, "AdminOnly", "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTP(r.Method, status)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := allowedOrigin(origins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,Idempotency-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// ── Helpers ──────────────────────────────────────────

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindState:
		return http.StatusConflict
	case apperr.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Errors outside the taxonomy are logged
// and reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		if kind == apperr.KindInternal {
			msg = "internal error"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": apperr.CodeOf(err), "kind": string(kind)})
}

// decode reads a JSON body, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		jsonErr(w, http.StatusBadRequest, apperr.ErrInvalidInput.Code, "invalid json: "+err.Error())
		return false
	}
	return true
}

func json200(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, status int, code, msg string) {
	kind := apperr.KindValidation
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		kind = apperr.KindAuthorization
	case http.StatusConflict:
		kind = apperr.KindState
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code, "kind": string(kind)})
}
