package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MikeMC777/marketplace-saga/internal/catalog"
	"github.com/MikeMC777/marketplace-saga/internal/gateway"
	"github.com/MikeMC777/marketplace-saga/internal/httpx"
	"github.com/MikeMC777/marketplace-saga/internal/memstore"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/payment"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

//
// ---------- FAKES ----------
//

// webpayFake speaks the create, commit and status endpoints of the payment
// provider and keeps the transactions in memory.
type webpayFake struct {
	mu          sync.Mutex
	seq         int
	txs         map[string]*webpayTx
	decline     bool
	amountDelta int64
}

type webpayTx struct {
	buyOrder string
	amount   decimal.Decimal
	status   string
}

func newWebpayServer(t *testing.T) (*httptest.Server, *webpayFake) {
	t.Helper()
	state := &webpayFake{txs: map[string]*webpayTx{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/rswebpaytransaction/api/webpay/v1.2/transactions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			BuyOrder string      `json:"buy_order"`
			Amount   json.Number `json:"amount"`
		}
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&body) != nil {
			http.Error(w, `{"error_message":"bad request"}`, http.StatusBadRequest)
			return
		}
		amount, err := decimal.NewFromString(body.Amount.String())
		if err != nil {
			http.Error(w, `{"error_message":"bad amount"}`, http.StatusBadRequest)
			return
		}
		state.mu.Lock()
		state.seq++
		tok := fmt.Sprintf("tok-%d", state.seq)
		state.txs[tok] = &webpayTx{buyOrder: body.BuyOrder, amount: amount, status: gateway.StatusInitialized}
		state.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": tok, "url": "https://pay.example/init"})
	})

	mux.HandleFunc("/rswebpaytransaction/api/webpay/v1.2/transactions/", func(w http.ResponseWriter, r *http.Request) {
		tok := path.Base(r.URL.Path)
		state.mu.Lock()
		defer state.mu.Unlock()
		tx, ok := state.txs[tok]
		if !ok || (r.Method != http.MethodPut && r.Method != http.MethodGet) {
			http.Error(w, `{"error_message":"invalid token"}`, http.StatusUnprocessableEntity)
			return
		}
		if r.Method == http.MethodPut {
			tx.status = gateway.StatusAuthorized
			if state.decline {
				tx.status = gateway.StatusFailed
			}
		}
		code := 0
		if tx.status == gateway.StatusFailed {
			code = -1
		}
		res := map[string]any{
			"status":        tx.status,
			"response_code": code,
			"buy_order":     tx.buyOrder,
			"amount":        json.Number(tx.amount.Add(decimal.NewFromInt(state.amountDelta)).String()),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, state
}

type testEnv struct {
	store  *memstore.Store
	webpay *webpayFake
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	wsrv, wstate := newWebpayServer(t)
	store := memstore.New()
	gw := gateway.NewClient(wsrv.URL, "597055555532", "secret", 2*time.Second)
	a := &app{
		store:     store,
		assembler: order.NewAssembler(store, stock.PolicyEager),
		saga:      payment.NewSaga(store, gw, stock.PolicyEager, payment.WithReturnURL("https://shop.example/return")),
		orders:    order.NewService(store),
	}
	return &testEnv{store: store, webpay: wstate, router: newRouter(a, zap.NewNop())}
}

func (e *testEnv) seed(t *testing.T, id string, kind catalog.Kind, price int64, qty int) {
	t.Helper()
	err := e.store.Items().Create(context.Background(), &catalog.Item{
		ID: id, Kind: kind, Name: id, Price: decimal.NewFromInt(price), Stock: qty, ProviderID: "provider-1",
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func (e *testEnv) stockOf(t *testing.T, id string) int {
	t.Helper()
	n, err := e.store.Stock().Available(context.Background(), id)
	if err != nil {
		t.Fatalf("stock %s: %v", id, err)
	}
	return n
}

// call sends a JSON request as the given caller. An empty user sends no
// identity headers.
func (e *testEnv) call(method, target, body, user, role string) *httptest.ResponseRecorder {
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(httpx.HeaderUserID, user)
		req.Header.Set(httpx.HeaderUserRole, role)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("json inválido: %v body=%s", err, w.Body.String())
	}
	return out
}

func (e *testEnv) createOrder(t *testing.T, item string, qty int) *order.Order {
	t.Helper()
	w := e.call(http.MethodPost, "/orders", fmt.Sprintf(`{"item_id":%q,"quantity":%d}`, item, qty), "buyer-1", "buyer")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", w.Code, w.Body.String())
	}
	return decode[order.CreateOrderResponse](t, w).Order
}

func (e *testEnv) initiate(t *testing.T, orderID string) string {
	t.Helper()
	w := e.call(http.MethodPost, "/orders/"+orderID+"/payment", "", "buyer-1", "buyer")
	if w.Code != http.StatusOK {
		t.Fatalf("initiate status=%d body=%s", w.Code, w.Body.String())
	}
	return decode[order.PaymentRedirect](t, w).Token
}

//
// ---------- TESTS ----------
//

func TestCreateOrder_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 100000, 5)

	w := env.call(http.MethodPost, "/orders", `{"item_id":"lamp","quantity":2}`, "buyer-1", "buyer")
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	res := decode[order.CreateOrderResponse](t, w)
	if res.Order.Status != order.StatusPending || res.Payment.Status != order.PaymentInitiated {
		t.Fatalf("estados inesperados: order=%s payment=%s", res.Order.Status, res.Payment.Status)
	}
	if !res.Order.Total.Equal(decimal.NewFromInt(200000)) || !res.Order.NetAmount.Equal(decimal.NewFromInt(180000)) {
		t.Fatalf("cotización inesperada: total=%s net=%s", res.Order.Total, res.Order.NetAmount)
	}
	if !res.Payment.Amount.Equal(decimal.NewFromInt(220000)) {
		t.Fatalf("monto esperado=220000, real=%s", res.Payment.Amount)
	}
	if got := env.stockOf(t, "lamp"); got != 3 {
		t.Fatalf("stock esperado=3, real=%d", got)
	}
}

func TestCreateOrder_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 10000, 1)

	cases := []struct {
		name       string
		body, user string
		want       int
	}{
		{"insufficient stock", `{"item_id":"lamp","quantity":2}`, "buyer-1", http.StatusConflict},
		{"unknown item", `{"item_id":"ghost","quantity":1}`, "buyer-1", http.StatusNotFound},
		{"zero quantity", `{"item_id":"lamp","quantity":0}`, "buyer-1", http.StatusBadRequest},
		{"broken json", `{"item_id":`, "buyer-1", http.StatusBadRequest},
		{"anonymous", `{"item_id":"lamp","quantity":1}`, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.call(http.MethodPost, "/orders", tc.body, tc.user, "buyer")
			if w.Code != tc.want {
				t.Fatalf("status=%d body=%s (esperaba %d)", w.Code, w.Body.String(), tc.want)
			}
		})
	}
	if got := env.stockOf(t, "lamp"); got != 1 {
		t.Fatalf("stock no debía cambiar, real=%d", got)
	}
	// a rejected create leaves neither an order nor an event behind
	ctx := context.Background()
	orders, err := env.store.Orders().ListByBuyer(ctx, "buyer-1", 100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("no debía quedar ninguna orden, hay %d", len(orders))
	}
	evs, err := env.store.Outbox().Unpublished(ctx, 100)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("no debía quedar ningún evento, hay %d (%s)", len(evs), evs[0].Type)
	}
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 10000, 5)
	o := env.createOrder(t, "lamp", 1)

	if w := env.call(http.MethodGet, "/orders/"+o.ID, "", "buyer-1", "buyer"); w.Code != http.StatusOK {
		t.Fatalf("buyer status=%d body=%s", w.Code, w.Body.String())
	}
	if w := env.call(http.MethodGet, "/orders/"+o.ID, "", "provider-1", "provider"); w.Code != http.StatusOK {
		t.Fatalf("provider status=%d body=%s", w.Code, w.Body.String())
	}
	if w := env.call(http.MethodGet, "/orders/"+o.ID, "", "buyer-2", "buyer"); w.Code != http.StatusForbidden {
		t.Fatalf("stranger status=%d body=%s (esperaba 403)", w.Code, w.Body.String())
	}
	if w := env.call(http.MethodGet, "/orders/nope", "", "buyer-1", "buyer"); w.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s (esperaba 404)", w.Code, w.Body.String())
	}
}

func TestListOrdersByUser(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 10000, 5)
	env.createOrder(t, "lamp", 1)
	env.createOrder(t, "lamp", 1)

	w := env.call(http.MethodGet, "/orders/user/buyer-1?limit=10&offset=0", "", "buyer-1", "buyer")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	res := decode[order.ListResponse](t, w)
	if len(res.Items) != 2 || res.Limit != 10 {
		t.Fatalf("len=%d limit=%d, esperaba 2 y 10", len(res.Items), res.Limit)
	}

	if w := env.call(http.MethodGet, "/orders/user/buyer-1", "", "buyer-2", "buyer"); w.Code != http.StatusForbidden {
		t.Fatalf("status=%d (esperaba 403)", w.Code)
	}
}

func TestPaymentFlow_ConfirmJSONThenForm(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 100000, 5)
	o := env.createOrder(t, "lamp", 2)
	tok := env.initiate(t, o.ID)

	w := env.call(http.MethodPost, "/payments/confirm", fmt.Sprintf(`{"token":%q}`, tok), "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", w.Code, w.Body.String())
	}
	res := decode[ConfirmResponse](t, w)
	if res.Order.Status != order.StatusProcessing || res.Order.Payment.Status != order.PaymentConfirmed {
		t.Fatalf("estados inesperados: order=%s payment=%s", res.Order.Status, res.Order.Payment.Status)
	}

	// the provider redirect posts the token as a form field; a repeat is a no-op
	req := httptest.NewRequest(http.MethodPost, "/payments/confirm", strings.NewReader(url.Values{"token_ws": {tok}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat status=%d body=%s", w.Code, w.Body.String())
	}
	if got := env.stockOf(t, "lamp"); got != 3 {
		t.Fatalf("stock esperado=3, real=%d", got)
	}

	// second initiate on a settled order
	w = env.call(http.MethodPost, "/orders/"+o.ID+"/payment", "", "buyer-1", "buyer")
	if w.Code != http.StatusConflict {
		t.Fatalf("re-initiate status=%d (esperaba 409)", w.Code)
	}
}

func TestPaymentFlow_ConfirmQueryDeclined(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 100000, 5)
	o := env.createOrder(t, "lamp", 2)
	tok := env.initiate(t, o.ID)
	env.webpay.mu.Lock()
	env.webpay.decline = true
	env.webpay.mu.Unlock()

	w := env.call(http.MethodGet, "/payments/confirm?token_ws="+tok, "", "", "")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status=%d body=%s (esperaba 402)", w.Code, w.Body.String())
	}
	res := decode[ConfirmResponse](t, w)
	if res.Order == nil || res.Order.Status != order.StatusFailed || res.Error == "" {
		t.Fatalf("respuesta inesperada: %s", w.Body.String())
	}
	if got := env.stockOf(t, "lamp"); got != 5 {
		t.Fatalf("stock debía liberarse, real=%d", got)
	}

	// the provider retries the redirect: same answer, nothing released twice
	w = env.call(http.MethodGet, "/payments/confirm?token_ws="+tok, "", "", "")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("replay status=%d body=%s (esperaba 402)", w.Code, w.Body.String())
	}
	if res := decode[ConfirmResponse](t, w); res.Order == nil || res.Order.Status != order.StatusFailed {
		t.Fatalf("respuesta inesperada: %s", w.Body.String())
	}
	if got := env.stockOf(t, "lamp"); got != 5 {
		t.Fatalf("stock esperado=5, real=%d", got)
	}
}

func TestInitiate_KeepsLiveToken(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 10000, 5)
	o := env.createOrder(t, "lamp", 1)
	tok := env.initiate(t, o.ID)

	w := env.call(http.MethodPost, "/orders/"+o.ID+"/payment", "", "buyer-1", "buyer")
	if w.Code != http.StatusConflict {
		t.Fatalf("re-initiate status=%d body=%s (esperaba 409)", w.Code, w.Body.String())
	}

	w = env.call(http.MethodPost, "/payments/confirm", `{"token":"`+tok+`"}`, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestConfirm_AmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 10000, 5)
	o := env.createOrder(t, "lamp", 1)
	tok := env.initiate(t, o.ID)
	env.webpay.mu.Lock()
	env.webpay.amountDelta = -100
	env.webpay.mu.Unlock()

	w := env.call(http.MethodPost, "/payments/confirm", `{"token":"`+tok+`"}`, "", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status=%d body=%s (esperaba 502)", w.Code, w.Body.String())
	}
	got, err := order.Load(context.Background(), env.store, o.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != order.StatusPending || got.Payment.Status != order.PaymentInitiated {
		t.Fatalf("la orden no debía cambiar: %s/%s", got.Status, got.Payment.Status)
	}
}

func TestConfirm_BadTokens(t *testing.T) {
	env := newTestEnv(t)

	if w := env.call(http.MethodPost, "/payments/confirm", `{}`, "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("empty token status=%d (esperaba 400)", w.Code)
	}
	if w := env.call(http.MethodPost, "/payments/confirm", `{"token":"unknown"}`, "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown token status=%d (esperaba 404)", w.Code)
	}
}

func TestCancelOrder_RestocksOnlyBeforePayment(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 10000, 3)

	o := env.createOrder(t, "lamp", 2)
	w := env.call(http.MethodPost, "/orders/"+o.ID+"/cancel", "", "buyer-1", "buyer")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decode[order.Order](t, w); got.Status != order.StatusFailed {
		t.Fatalf("estado esperado FAILED, real=%s", got.Status)
	}
	if got := env.stockOf(t, "lamp"); got != 3 {
		t.Fatalf("stock esperado=3, real=%d", got)
	}

	started := env.createOrder(t, "lamp", 1)
	env.initiate(t, started.ID)
	w = env.call(http.MethodPost, "/orders/"+started.ID+"/cancel", "", "buyer-1", "buyer")
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d body=%s (esperaba 409)", w.Code, w.Body.String())
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "lamp", catalog.KindProduct, 10000, 5)

	pending := env.createOrder(t, "lamp", 1)
	w := env.call(http.MethodPut, "/orders/"+pending.ID+"/status", `{"status":"COMPLETED"}`, "provider-1", "provider")
	if w.Code != http.StatusConflict {
		t.Fatalf("pending->completed status=%d (esperaba 409)", w.Code)
	}

	paid := env.createOrder(t, "lamp", 1)
	tok := env.initiate(t, paid.ID)
	if w := env.call(http.MethodPost, "/payments/confirm", fmt.Sprintf(`{"token":%q}`, tok), "", ""); w.Code != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", w.Code, w.Body.String())
	}

	if w := env.call(http.MethodPut, "/orders/"+paid.ID+"/status", `{"status":"COMPLETED"}`, "buyer-1", "buyer"); w.Code != http.StatusForbidden {
		t.Fatalf("buyer status=%d (esperaba 403)", w.Code)
	}
	if w := env.call(http.MethodPut, "/orders/"+paid.ID+"/status", `{"status":"FAILED"}`, "provider-1", "provider"); w.Code != http.StatusForbidden {
		t.Fatalf("provider FAILED status=%d (esperaba 403)", w.Code)
	}
	w = env.call(http.MethodPut, "/orders/"+paid.ID+"/status", `{"status":"COMPLETED"}`, "provider-1", "provider")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	// admins override anything but unknown statuses
	w = env.call(http.MethodPut, "/orders/"+paid.ID+"/status", `{"status":"PENDING","reason":"manual"}`, "admin-1", "admin")
	if w.Code != http.StatusOK {
		t.Fatalf("admin status=%d body=%s", w.Code, w.Body.String())
	}
	if w := env.call(http.MethodPut, "/orders/"+paid.ID+"/status", `{"status":"SHIPPED"}`, "admin-1", "admin"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid status=%d (esperaba 400)", w.Code)
	}
}

func TestItems(t *testing.T) {
	env := newTestEnv(t)

	w := env.call(http.MethodPost, "/items", `{"kind":"product","name":"Lámpara","price":"15000","stock":4}`, "provider-7", "provider")
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	it := decode[catalog.Item](t, w)
	if it.ProviderID != "provider-7" || it.Stock != 4 {
		t.Fatalf("item inesperado: %+v", it)
	}

	if w := env.call(http.MethodPost, "/items", `{"kind":"product","name":"x","price":"1"}`, "buyer-1", "buyer"); w.Code != http.StatusForbidden {
		t.Fatalf("buyer status=%d (esperaba 403)", w.Code)
	}
	if w := env.call(http.MethodPost, "/items", `{"kind":"product","name":"x","price":"abc"}`, "provider-7", "provider"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad price status=%d (esperaba 400)", w.Code)
	}

	w = env.call(http.MethodGet, "/items?provider_id=provider-7", "", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status=%d", w.Code)
	}
	if got := decode[[]catalog.Item](t, w); len(got) != 1 {
		t.Fatalf("len=%d, esperaba 1", len(got))
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	if w := env.call(http.MethodGet, "/healthz", "", "", ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}
