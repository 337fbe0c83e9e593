package httpapi

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jiggy606/amazon-clone/internal/chain"
	"github.com/jiggy606/amazon-clone/internal/domain/market"
	"github.com/jiggy606/amazon-clone/internal/store"
	"github.com/jiggy606/amazon-clone/internal/storefront"
	"github.com/jiggy606/amazon-clone/pkg/testutil"
)

var testSecret = []byte("test-secret")

type stubCatalog struct {
	assets []market.Asset
}

func (c *stubCatalog) ListAssets(context.Context) ([]market.Asset, error) {
	return c.assets, nil
}

type stubProfile struct {
	nickname string
}

func (p *stubProfile) SetNickname(_ context.Context, nickname string) error {
	p.nickname = nickname
	return nil
}

type fixture struct {
	server  *Server
	exec    *testutil.MockExecutor
	mem     *store.Memory
	profile *stubProfile
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	exec := testutil.NewMockExecutor()
	exec.AutoConfirm = true
	mem := store.NewMemory()
	catalog := &stubCatalog{assets: []market.Asset{
		{ID: "asset-1", Name: "Echo Dot", Price: big.NewInt(3)},
	}}
	session := testutil.NewMockSession("user-1", "0x00000000000000000000000000000000000000aa")

	svc, err := storefront.New(storefront.Config{
		CoinContract:        "0x00000000000000000000000000000000000000c0",
		CollectionAddress:   "0x00000000000000000000000000000000000000c1",
		UnitPrice:           big.NewInt(100000000000000),
		TokenConfirmations:  4,
		AssetConfirmations:  1,
		ExplorerURLTemplate: "https://rinkeby.etherscan.io/tx/%s",
	}, exec, mem, catalog, session, nil)
	if err != nil {
		t.Fatalf("storefront.New: %v", err)
	}

	profile := &stubProfile{}
	return &fixture{
		server:  NewServer(svc, profile, testSecret, nil),
		exec:    exec,
		mem:     mem,
		profile: profile,
	}
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (f *fixture) request(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequestsCarryTraceIDs(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/healthz", "", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no trace ID assigned")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	echo := httptest.NewRecorder()
	f.server.Router().ServeHTTP(echo, req)
	if got := echo.Header().Get("X-Request-ID"); got != "trace-123" {
		t.Errorf("trace ID = %q, want the caller's trace-123", got)
	}
}

func TestAPIRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/api/balance", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAPIRejectsForgedToken(t *testing.T) {
	f := newFixture(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := f.request(t, http.MethodGet, "/api/balance", "", forged)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBuyTokensEndpoint(t *testing.T) {
	f := newFixture(t)
	token := bearerToken(t, "user-1")

	rec := f.request(t, http.MethodPost, "/api/tokens/buy", `{"amount":5}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Outcome      string `json:"outcome"`
		TxHash       string `json:"tx_hash"`
		ExplorerLink string `json:"explorer_link"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Outcome != "success" || resp.TxHash == "" || resp.ExplorerLink == "" {
		t.Errorf("response = %+v", resp)
	}

	if len(f.exec.Calls) != 1 {
		t.Fatalf("got %d chain calls", len(f.exec.Calls))
	}
	if f.exec.Calls[0].MsgValue.Cmp(big.NewInt(500000000000000)) != 0 {
		t.Errorf("msg value = %s", f.exec.Calls[0].MsgValue)
	}
}

func TestBuyTokensRejectsZeroAmount(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/tokens/buy", `{"amount":0}`, bearerToken(t, "user-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(f.exec.Calls) != 0 {
		t.Error("chain call submitted for invalid request")
	}
}

func TestBuyAssetEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/assets/buy", `{"asset_id":"asset-1"}`, bearerToken(t, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	owned, _ := f.mem.ListOwned(context.Background(), "user-1")
	if len(owned) != 1 {
		t.Fatalf("got %d owned records, want 1", len(owned))
	}
}

func TestBuyAssetUnknownID(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/assets/buy", `{"asset_id":"nope"}`, bearerToken(t, "user-1"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	f := newFixture(t)
	f.exec.Balances["0x00000000000000000000000000000000000000aa"] = big.NewInt(42)

	rec := f.request(t, http.MethodGet, "/api/balance", "", bearerToken(t, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["balance"] != "42" {
		t.Errorf("balance = %q, want 42", resp["balance"])
	}
}

func TestCatalogEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodGet, "/api/catalog", "", bearerToken(t, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var assets []catalogAsset
	if err := json.Unmarshal(rec.Body.Bytes(), &assets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(assets) != 1 || assets[0].Price != "3" {
		t.Errorf("catalog = %+v", assets)
	}
}

func TestOwnedEndpoint(t *testing.T) {
	f := newFixture(t)
	f.mem.AppendOwned(context.Background(), "user-1", market.OwnedAsset{
		AssetID: "asset-1", TxHash: "0x1", Price: big.NewInt(3), PurchasedAt: time.Now(),
	})

	rec := f.request(t, http.MethodGet, "/api/owned", "", bearerToken(t, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var owned []ownedAsset
	if err := json.Unmarshal(rec.Body.Bytes(), &owned); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(owned) != 1 || owned[0].TxHash != "0x1" {
		t.Errorf("owned = %+v", owned)
	}
}

func TestSetNickname(t *testing.T) {
	f := newFixture(t)
	token := bearerToken(t, "user-1")

	rec := f.request(t, http.MethodPut, "/api/profile/nickname", `{"nickname":"neo"}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if f.profile.nickname != "neo" {
		t.Errorf("nickname = %q", f.profile.nickname)
	}

	rec = f.request(t, http.MethodPut, "/api/profile/nickname", `{"nickname":""}`, token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty nickname: status = %d, want 400", rec.Code)
	}
}

// stallingExecutor parks inside the confirmation wait until released.
type stallingExecutor struct {
	release   chan struct{}
	submitted chan struct{}
}

func newStallingExecutor() *stallingExecutor {
	return &stallingExecutor{
		release:   make(chan struct{}),
		submitted: make(chan struct{}, 8),
	}
}

func (e *stallingExecutor) ExecuteFunction(context.Context, chain.CallOpts) (*chain.Tx, error) {
	e.submitted <- struct{}{}
	return chain.NewTx("0xstalled", e), nil
}

func (e *stallingExecutor) Transfer(context.Context, chain.TransferOpts) (*chain.Tx, error) {
	e.submitted <- struct{}{}
	return chain.NewTx("0xstalled", e), nil
}

func (e *stallingExecutor) BalanceOf(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (e *stallingExecutor) WaitForReceipt(ctx context.Context, txHash string, _ int) (*chain.Receipt, error) {
	select {
	case <-e.release:
		return &chain.Receipt{TransactionHash: txHash, BlockNumber: 1, Status: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestConcurrentPurchaseReturnsConflict(t *testing.T) {
	exec := newStallingExecutor()
	session := testutil.NewMockSession("user-1", "0x00000000000000000000000000000000000000aa")
	svc, err := storefront.New(storefront.Config{
		CoinContract:      "0x00000000000000000000000000000000000000c0",
		CollectionAddress: "0x00000000000000000000000000000000000000c1",
		UnitPrice:         big.NewInt(100000000000000),
	}, exec, store.NewMemory(), nil, session, nil)
	if err != nil {
		t.Fatalf("storefront.New: %v", err)
	}
	f := &fixture{server: NewServer(svc, nil, testSecret, nil)}
	token := bearerToken(t, "user-1")

	done := make(chan int, 1)
	go func() {
		rec := f.request(t, http.MethodPost, "/api/tokens/buy", `{"amount":1}`, token)
		done <- rec.Code
	}()
	<-exec.submitted // first purchase is waiting on confirmations

	rec := f.request(t, http.MethodPost, "/api/tokens/buy", `{"amount":1}`, token)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second purchase: status = %d, want 409", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["code"] != "conflict" {
		t.Errorf("error code = %q, want conflict", resp["code"])
	}
	select {
	case <-exec.submitted:
		t.Fatal("second transaction was submitted")
	default:
	}

	close(exec.release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first purchase: status = %d", code)
	}
}

func TestPurchaseEndpointsRateLimited(t *testing.T) {
	f := newFixture(t)
	token := bearerToken(t, "user-1")

	var got429 bool
	for i := 0; i < 6; i++ {
		rec := f.request(t, http.MethodPost, "/api/tokens/buy", `{"amount":0}`, token)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("rate limiter never engaged")
	}
}
