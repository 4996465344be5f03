package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"outcome-exchange/internal/model"
	"outcome-exchange/internal/oracle"
)

// ── Wallet / Positions ───────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.GetWallets(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	type row struct {
		model.Wallet
		Available string `json:"available"`
	}
	out := make([]row, len(wallets))
	for i, wl := range wallets {
		out[i] = row{Wallet: wl, Available: wl.Available().String()}
	}
	json200(w, out)
}

// listPositions returns the caller's positions marked to current pool
// state, optionally narrowed to one pool with ?pool_id=.
func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []model.Position
		err       error
	)
	if poolID := r.URL.Query().Get("pool_id"); poolID != "" {
		positions, err = s.manager.Positions(r.Context(), poolID, userID(r))
	} else {
		positions, err = s.store.ListUserPositions(r.Context(), userID(r))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	valued, err := s.manager.Valuations(r.Context(), positions)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, valued)
}

// ── Pools ────────────────────────────────────────────

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.manager.Pools(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if status := strings.ToUpper(r.URL.Query().Get("status")); status != "" {
		kept := pools[:0]
		for _, p := range pools {
			if string(p.Status) == status {
				kept = append(kept, p)
			}
		}
		pools = kept
	}
	json200(w, pools)
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var spec model.PoolSpec
	if !decode(w, r, &spec) {
		return
	}
	spec.Creator = userID(r)
	pool, err := s.manager.CreatePool(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonStatus(w, http.StatusCreated, pool)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	view, err := s.manager.Pool(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, view)
}

func (s *Server) getOdds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	odds, err := s.manager.Odds(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, map[string]any{"pool_id": id, "odds": odds})
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	var req model.QuoteReq
	if !decode(w, r, &req) {
		return
	}
	q, err := s.manager.Quote(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, q)
}

func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	var req model.BuyReq
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.Buy(r.Context(), chi.URLParam(r, "id"), userID(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, res)
}

func (s *Server) sell(w http.ResponseWriter, r *http.Request) {
	var req model.SellReq
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.Sell(r.Context(), chi.URLParam(r, "id"), userID(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, res)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Claim(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, res)
}

// ── Resolution ───────────────────────────────────────

func (s *Server) adminResolve(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveReq
	if !decode(w, r, &req) {
		return
	}
	pool, err := s.manager.Resolve(r.Context(), chi.URLParam(r, "id"), req.WinningOutcome, caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, pool)
}

// oracleResolve accepts a resolution signed by an oracle key. The signer
// recovered from the signature is the caller.
func (s *Server) oracleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PoolID         string `json:"pool_id"`
		WinningOutcome uint32 `json:"winning_outcome"`
		Signature      string `json:"signature"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.PoolID == "" || req.Signature == "" {
		jsonErr(w, http.StatusBadRequest, "InvalidInput", "pool_id and signature required")
		return
	}
	c, err := oracle.Caller(req.PoolID, req.WinningOutcome, req.Signature)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pool, err := s.manager.Resolve(r.Context(), req.PoolID, req.WinningOutcome, c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("pool resolved by oracle", "pool", req.PoolID, "oracle", c.ID, "winning", req.WinningOutcome)
	json200(w, pool)
}
