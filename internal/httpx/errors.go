package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MikeMC777/marketplace-saga/internal/access"
	"github.com/MikeMC777/marketplace-saga/internal/catalog"
	"github.com/MikeMC777/marketplace-saga/internal/gateway"
	"github.com/MikeMC777/marketplace-saga/internal/logx"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/payment"
	"github.com/MikeMC777/marketplace-saga/internal/stock"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

var statusTable = []struct {
	err    error
	status int
}{
	{order.ErrNotFound, http.StatusNotFound},
	{order.ErrPaymentNotFound, http.StatusNotFound},
	{catalog.ErrNotFound, http.StatusNotFound},
	{stock.ErrItemNotFound, http.StatusNotFound},
	{stock.ErrInsufficientStock, http.StatusConflict},
	{order.ErrAlreadyProcessed, http.StatusConflict},
	{order.ErrInvalidTransition, http.StatusConflict},
	{payment.ErrConfirmInProgress, http.StatusConflict},
	{payment.ErrPaymentInProgress, http.StatusConflict},
	{access.ErrForbidden, http.StatusForbidden},
	{access.ErrUnauthenticated, http.StatusUnauthorized},
	{order.ErrInvalidQuantity, http.StatusBadRequest},
	{stock.ErrInvalidQuantity, http.StatusBadRequest},
	{order.ErrInvalidStatus, http.StatusBadRequest},
	{payment.ErrMissingReturnURL, http.StatusBadRequest},
	{payment.ErrDeclined, http.StatusPaymentRequired},
	{payment.ErrUnresolved, http.StatusBadGateway},
	{gateway.ErrUnavailable, http.StatusServiceUnavailable},
	{gateway.ErrRejected, http.StatusBadGateway},
	{gateway.ErrMismatch, http.StatusBadGateway},
	{gateway.ErrInvalidAmount, http.StatusInternalServerError},
}

// StatusFor maps a domain error to its HTTP status; unknown errors are 500.
func StatusFor(err error) int {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// Abort writes err as JSON with its mapped status. Internal details of 5xx
// errors are logged, not returned.
func Abort(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logx.FromContext(c.Request.Context()).Error("request_failed", zap.Error(err))
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
