// Package httpapi exposes the wallet, deposit, withdrawal and settlement
// components over HTTP. It is the single boundary where an apperr.Kind
// becomes a status code — nothing above this package inspects error kinds
// for transport purposes.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/apperr"
	"github.com/peerpush/chally-core/internal/deposit"
	"github.com/peerpush/chally-core/internal/identity"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/notify"
	"github.com/peerpush/chally-core/internal/payment"
	"github.com/peerpush/chally-core/internal/settlement"
	"github.com/peerpush/chally-core/internal/wallet"
	"github.com/peerpush/chally-core/internal/withdrawal"
)

// Server holds every component the HTTP surface dispatches to.
type Server struct {
	wallet     *wallet.Wallet
	ledger     *ledger.Ledger
	deposit    *deposit.Pipeline
	withdrawal *withdrawal.Engine
	settlement *settlement.Engine
	hub        *notify.Hub
}

// New returns a Server wiring the given components.
func New(w *wallet.Wallet, l *ledger.Ledger, d *deposit.Pipeline, wd *withdrawal.Engine, s *settlement.Engine, hub *notify.Hub) *Server {
	return &Server{wallet: w, ledger: l, deposit: d, withdrawal: wd, settlement: s, hub: hub}
}

// --- Request/response shapes ---

type beginDepositRequest struct {
	Tokens     int64  `json:"tokens"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type checkoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type withdrawRequest struct {
	Tokens int64 `json:"tokens"`
}

type withdrawResponse struct {
	Requested int64    `json:"requested"`
	Refunded  int64    `json:"refunded"`
	Partial   bool     `json:"partial"`
	RefundIDs []string `json:"refund_ids"`
}

type walletResponse struct {
	UserID  string              `json:"user_id"`
	Balance int64               `json:"balance"`
	Entries []model.LedgerEntry `json:"entries"`
}

type participantResponse struct {
	ID          string `json:"id"`
	ChallengeID string `json:"challenge_id"`
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
}

type settlementResponse struct {
	ChallengeID     string           `json:"challenge_id"`
	TotalPool       int64            `json:"total_pool"`
	WinnerUserIDs   []string         `json:"winner_user_ids"`
	PerWinner       map[string]int64 `json:"per_winner"`
	PlatformRevenue int64            `json:"platform_revenue"`
}

// --- Handlers ---

// BeginDeposit handles POST /wallet/deposit/checkout.
func (s *Server) BeginDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "missing authenticated user"))
		return
	}

	var req beginDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidAmount, "invalid request body"))
		return
	}

	sess, err := s.deposit.BeginDeposit(r.Context(), userID, model.Tokens(req.Tokens), req.SuccessURL, req.CancelURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{SessionID: sess.SessionID, URL: sess.URL})
}

// Withdraw handles POST /wallet/withdraw.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "missing authenticated user"))
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidAmount, "invalid request body"))
		return
	}

	res, err := s.withdrawal.Withdraw(r.Context(), userID, model.Tokens(req.Tokens))
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, 0, len(res.RefundIDs))
	for _, id := range res.RefundIDs {
		ids = append(ids, id.String())
	}

	if bal, balErr := s.wallet.Balance(r.Context(), userID); balErr == nil {
		s.hub.Publish(userID, notify.Event{
			Type:    notify.EventWithdrawalSettled,
			Amount:  int64(res.Refunded),
			Balance: int64(bal),
		})
	}

	writeJSON(w, http.StatusOK, withdrawResponse{
		Requested: int64(res.Requested),
		Refunded:  int64(res.Refunded),
		Partial:   res.Partial,
		RefundIDs: ids,
	})
}

// GetWallet handles GET /wallet.
func (s *Server) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "missing authenticated user"))
		return
	}
	bal, err := s.wallet.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.ledger.History(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{UserID: userID.String(), Balance: int64(bal), Entries: entries})
}

// StripeWebhook handles POST /stripe/webhook. It has no auth middleware:
// the payment processor authenticates the request via its own HMAC
// signature header, verified by processor.ParseWebhook.
func (s *Server) StripeWebhook(processor payment.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const maxBody = 1 << 20
		body := http.MaxBytesReader(w, r.Body, maxBody)
		payload, err := io.ReadAll(body)
		if err != nil {
			writeError(w, apperr.New(apperr.InvalidSignature, "unreadable webhook body"))
			return
		}

		event, err := processor.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			writeError(w, err)
			return
		}
		if event == nil {
			w.WriteHeader(http.StatusOK)
			return
		}

		entry, err := s.deposit.OnPaymentConfirmed(r.Context(), event)
		if err != nil && !apperr.Is(err, apperr.Duplicate) {
			writeError(w, err)
			return
		}
		if entry != nil {
			if bal, balErr := s.wallet.Balance(r.Context(), event.UserID); balErr == nil {
				s.hub.Publish(event.UserID, notify.Event{
					Type:    notify.EventDepositCredited,
					Amount:  int64(entry.Amount),
					Balance: int64(bal),
				})
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// JoinChallenge handles POST /challenges/{id}/join.
func (s *Server) JoinChallenge(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "missing authenticated user"))
		return
	}
	challengeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.New(apperr.NotFound, "invalid challenge id"))
		return
	}

	p, err := s.settlement.Join(r.Context(), userID, challengeID)
	if err != nil {
		writeError(w, err)
		return
	}

	if bal, balErr := s.wallet.Balance(r.Context(), userID); balErr == nil {
		s.hub.Publish(userID, notify.Event{
			Type:        notify.EventChallengeJoined,
			ChallengeID: challengeID.String(),
			Balance:     int64(bal),
		})
	}

	writeJSON(w, http.StatusCreated, participantResponse{
		ID:          p.ID.String(),
		ChallengeID: p.ChallengeID.String(),
		UserID:      p.UserID.String(),
		Status:      string(p.Status),
	})
}

// SettleChallenge handles POST /challenges/{id}/settle. It is normally
// invoked by internal/jobs' scheduled runner, but is also exposed directly
// for operator-triggered settlement and testing.
func (s *Server) SettleChallenge(w http.ResponseWriter, r *http.Request) {
	challengeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.New(apperr.NotFound, "invalid challenge id"))
		return
	}

	res, err := s.settlement.Settle(r.Context(), challengeID)
	if err != nil {
		writeError(w, err)
		return
	}

	for _, uid := range res.WinnerUserIDs {
		if bal, balErr := s.wallet.Balance(r.Context(), uid); balErr == nil {
			s.hub.Publish(uid, notify.Event{
				Type:        notify.EventChallengeSettled,
				ChallengeID: challengeID.String(),
				Amount:      int64(res.PerWinner[uid]),
				Balance:     int64(bal),
			})
		}
	}

	winners := make([]string, 0, len(res.WinnerUserIDs))
	perWinner := make(map[string]int64, len(res.PerWinner))
	for _, uid := range res.WinnerUserIDs {
		winners = append(winners, uid.String())
		perWinner[uid.String()] = int64(res.PerWinner[uid])
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		ChallengeID:     res.ChallengeID.String(),
		TotalPool:       int64(res.TotalPool),
		WinnerUserIDs:   winners,
		PerWinner:       perWinner,
		PlatformRevenue: int64(res.PlatformRevenue),
	})
}

// WebSocket handles GET /ws, upgrading an authenticated request to a
// per-user event stream.
func (s *Server) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserID(r.Context())
	if !ok {
		http.Error(w, `{"detail":"missing authenticated user"}`, http.StatusUnauthorized)
		return
	}
	s.hub.HandleWS(userID)(w, r)
}

// writeJSON writes v as a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError translates err's apperr.Kind into a status code and writes a
// {"detail": "..."} body carrying the error's user-safe Message, never its
// cause. This is the sole translation point in the module.
func writeError(w http.ResponseWriter, err error) {
	detail := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		detail = ae.Message
	}
	writeJSON(w, apperr.HTTPStatus(apperr.KindOf(err)), map[string]string{"detail": detail})
}
