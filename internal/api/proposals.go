package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

// ── Proposals ────────────────────────────────────────

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	json200(w, s.ledger.List(r.Context()))
}

func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var req model.CreateProposalReq
	if !decode(w, r, &req) {
		return
	}
	p, err := s.ledger.CreateProposal(r.Context(), userID(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonStatus(w, http.StatusCreated, p)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, p)
}

func (s *Server) vote(w http.ResponseWriter, r *http.Request) {
	var req model.VoteReq
	if !decode(w, r, &req) {
		return
	}
	p, err := s.ledger.Vote(r.Context(), chi.URLParam(r, "id"), userID(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, p)
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Finalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, p)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string       `json:"user_id"`
		Asset  model.Asset  `json:"asset"`
		Amount fixed.Amount `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Asset == "" {
		req.Asset = model.AssetUSDT
	}
	if req.UserID == "" || (req.Asset != model.AssetUSDT && req.Asset != model.AssetBET) {
		jsonErr(w, http.StatusBadRequest, "InvalidInput", "user_id and asset USDT or BET required")
		return
	}
	if req.Amount.IsZero() {
		s.fail(w, r, apperr.ErrInvalidAmount)
		return
	}
	wallet, err := s.store.Deposit(r.Context(), req.UserID, req.Asset, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, wallet)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	type userRow struct {
		model.User
		Wallets []model.Wallet `json:"wallets"`
	}
	out := make([]userRow, len(users))
	for i, u := range users {
		wallets, err := s.store.GetWallets(r.Context(), u.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out[i] = userRow{User: u, Wallets: wallets}
	}
	json200(w, out)
}

func eventLimit(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		return n
	}
	return 100
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := eventLimit(r)
	var pp *string
	if poolID := r.URL.Query().Get("pool_id"); poolID != "" {
		pp = &poolID
	}
	events, err := s.store.ListEvents(r.Context(), pp, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	json200(w, events)
}

// activity is the caller's own trades, claims, deposits, proposals and votes,
// newest first.
func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListUserEvents(r.Context(), userID(r), eventLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	json200(w, events)
}

// summary is a JSON snapshot for the admin console; /metrics carries the
// Prometheus series.
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pools, err := s.manager.Pools(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	open := 0
	for _, p := range pools {
		if p.Status == model.PoolOpen {
			open++
		}
	}
	active := 0
	for _, p := range s.ledger.List(ctx) {
		if p.Status == model.ProposalActive {
			active++
		}
	}
	fees := "0"
	if wallets, err := s.store.GetWallets(ctx, model.FeeCollectorID); err == nil {
		for _, wl := range wallets {
			if wl.Asset == model.AssetUSDT {
				fees = wl.Balance.Decimal().String()
			}
		}
	}
	json200(w, map[string]any{
		"total_pools":      len(pools),
		"open_pools":       open,
		"active_proposals": active,
		"total_users":      len(users),
		"fees_collected":   fees,
	})
}
