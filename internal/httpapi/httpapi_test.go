package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peerpush/chally-core/internal/deposit"
	"github.com/peerpush/chally-core/internal/identity"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/model"
	"github.com/peerpush/chally-core/internal/notify"
	"github.com/peerpush/chally-core/internal/payment"
	"github.com/peerpush/chally-core/internal/settlement"
	"github.com/peerpush/chally-core/internal/store/memstore"
	"github.com/peerpush/chally-core/internal/wallet"
	"github.com/peerpush/chally-core/internal/withdrawal"
)

func testServer() (*Server, *memstore.Store, *payment.Fake) {
	s := memstore.New()
	l := ledger.New(s)
	w := wallet.New(s, l)
	fp := payment.NewFake("whsec_test")
	d := deposit.New(w, l, fp, 1, 100000, "USD")
	wd := withdrawal.New(s, l, fp, 1, 90*24*time.Hour, func() bool { return true })
	se := settlement.New(s, l, model.PlatformUserID)
	hub := notify.NewHub()
	go hub.Run()
	return New(w, l, d, wd, se, hub), s, fp
}

func withUser(req *http.Request, userID uuid.UUID) *http.Request {
	req.Header.Set("Authorization", "Bearer "+userID.String())
	return req
}

func authedRouter(s *Server, fp *payment.Fake) http.Handler {
	return NewRouter(s, identity.StaticResolver{}, fp, 5*time.Second)
}

func TestGetWallet_ReturnsBalance(t *testing.T) {
	s, st, fp := testServer()
	userID := uuid.New()
	l := ledger.New(st)
	w := wallet.New(st, l)
	if _, err := w.Credit(context.Background(), userID, model.KindDeposit, 500, "USD", strPtr("p1"), strPtr("p1"), ""); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	router := authedRouter(s, fp)
	req := withUser(httptest.NewRequest(http.MethodGet, "/wallet", nil), userID)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp walletResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 500 {
		t.Fatalf("expected balance 500, got %d", resp.Balance)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(resp.Entries))
	}
	if resp.Entries[0].Amount != 500 || resp.Entries[0].Kind != model.KindDeposit {
		t.Fatalf("unexpected ledger entry: %+v", resp.Entries[0])
	}
}

func TestGetWallet_RequiresAuth(t *testing.T) {
	s, _, fp := testServer()
	router := authedRouter(s, fp)
	req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestBeginDeposit_RejectsOverDailyCap(t *testing.T) {
	s, _, fp := testServer()
	router := authedRouter(s, fp)
	userID := uuid.New()

	body := strings.NewReader(`{"tokens":999999999,"success_url":"https://x/ok","cancel_url":"https://x/cancel"}`)
	req := withUser(httptest.NewRequest(http.MethodPost, "/wallet/deposit/checkout", body), userID)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBeginDeposit_ReturnsCheckoutSession(t *testing.T) {
	s, _, fp := testServer()
	router := authedRouter(s, fp)
	userID := uuid.New()

	body := strings.NewReader(`{"tokens":100,"success_url":"https://x/ok","cancel_url":"https://x/cancel"}`)
	req := withUser(httptest.NewRequest(http.MethodPost, "/wallet/deposit/checkout", body), userID)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp checkoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" || resp.URL == "" {
		t.Fatalf("expected populated checkout session, got %+v", resp)
	}
}

func TestStripeWebhook_CreditsWalletAndReturns200(t *testing.T) {
	s, _, fp := testServer()
	router := authedRouter(s, fp)
	userID := uuid.New()

	payload := []byte(`{"payment_intent_id":"pi_1","user_id":"` + userID.String() + `","amount_minor":250,"currency":"USD","paid":true}`)
	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", "whsec_test")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	getReq := withUser(httptest.NewRequest(http.MethodGet, "/wallet", nil), userID)
	getRR := httptest.NewRecorder()
	router.ServeHTTP(getRR, getReq)
	var resp walletResponse
	json.Unmarshal(getRR.Body.Bytes(), &resp)
	if resp.Balance != 250 {
		t.Fatalf("expected balance 250 after webhook, got %d", resp.Balance)
	}
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	s, _, fp := testServer()
	router := authedRouter(s, fp)

	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "wrong")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestJoinAndSettleChallenge_EndToEnd(t *testing.T) {
	s, st, fp := testServer()
	router := authedRouter(s, fp)
	userID := uuid.New()

	l := ledger.New(st)
	w := wallet.New(st, l)
	if _, err := w.Credit(context.Background(), userID, model.KindDeposit, 1000, "USD", strPtr("p1"), strPtr("p1"), ""); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	ch := &model.Challenge{ID: uuid.New(), Stake: 200, Status: model.ChallengeActive, StartAt: time.Now().Add(time.Hour)}
	st.SeedChallenge(ch)

	joinReq := withUser(httptest.NewRequest(http.MethodPost, "/challenges/"+ch.ID.String()+"/join", nil), userID)
	joinRR := httptest.NewRecorder()
	router.ServeHTTP(joinRR, joinReq)
	if joinRR.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", joinRR.Code, joinRR.Body.String())
	}

	if err := st.SetParticipantStatus(ch.ID, userID, model.ParticipantCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := st.UpdateChallengeStatus(context.Background(), ch.ID, model.ChallengeCompleted); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	settleReq := withUser(httptest.NewRequest(http.MethodPost, "/challenges/"+ch.ID.String()+"/settle", nil), userID)
	settleRR := httptest.NewRecorder()
	router.ServeHTTP(settleRR, settleReq)
	if settleRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", settleRR.Code, settleRR.Body.String())
	}
	var resp settlementResponse
	json.Unmarshal(settleRR.Body.Bytes(), &resp)
	if resp.TotalPool != 200 {
		t.Fatalf("expected pool 200, got %d", resp.TotalPool)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	s, _, fp := testServer()
	router := authedRouter(s, fp)

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func strPtr(s string) *string { return &s }
