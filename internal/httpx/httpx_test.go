package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MikeMC777/marketplace-saga/internal/access"
	"github.com/MikeMC777/marketplace-saga/internal/gateway"
	"github.com/MikeMC777/marketplace-saga/internal/logx"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/payment"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

func init() { gin.SetMode(gin.TestMode) }

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		order.ErrNotFound:                                   http.StatusNotFound,
		fmt.Errorf("wrap: %w", stock.ErrInsufficientStock): http.StatusConflict,
		order.ErrAlreadyProcessed:                           http.StatusConflict,
		payment.ErrConfirmInProgress:                        http.StatusConflict,
		access.ErrForbidden:                                 http.StatusForbidden,
		order.ErrInvalidQuantity:                            http.StatusBadRequest,
		gateway.ErrUnavailable:                              http.StatusServiceUnavailable,
		payment.ErrDeclined:                                 http.StatusPaymentRequired,
		gateway.ErrMismatch:                                 http.StatusBadGateway,
		errors.New("disk on fire"):                          http.StatusInternalServerError,

		fmt.Errorf("%w: %w", payment.ErrPaymentInProgress, gateway.ErrUnavailable): http.StatusConflict,
		fmt.Errorf("%w: %w", payment.ErrUnresolved, gateway.ErrUnavailable):        http.StatusBadGateway,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}

func TestMiddlewareChain(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestID(), Logger(zap.New(core)), Metrics(), Identity())

	var seen access.Identity
	r.GET("/orders/:id", func(c *gin.Context) {
		seen = Caller(c)
		logx.FromContext(c.Request.Context()).Info("inside")
		Abort(c, fmt.Errorf("%w: nope", access.ErrForbidden))
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/42", nil)
	req.Header.Set(HeaderRequestID, "rid-1")
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderUserRole, "buyer")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "rid-1", w.Header().Get(HeaderRequestID))
	assert.Equal(t, access.Identity{UserID: "u1", Role: access.RoleBuyer}, seen)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "forbidden")

	require.Equal(t, 2, logs.Len())
	for _, e := range logs.All() {
		assert.Equal(t, "rid-1", e.ContextMap()["request_id"])
	}
	assert.Equal(t, int64(http.StatusForbidden), logs.All()[1].ContextMap()["status"])
}

func TestAbortHidesInternalErrors(t *testing.T) {
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { Abort(c, errors.New("pq: password authentication failed")) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}
