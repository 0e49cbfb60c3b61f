package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-saga/internal/access"
	"github.com/MikeMC777/marketplace-saga/internal/catalog"
	"github.com/MikeMC777/marketplace-saga/internal/httpx"
	"github.com/MikeMC777/marketplace-saga/internal/order"
	"github.com/MikeMC777/marketplace-saga/internal/payment"
)

// ConfirmResponse is returned by the confirm endpoint. Error is set when the
// payment was declined; Order then holds the failed order.
type ConfirmResponse struct {
	Order *order.Order `json:"order"`
	Error string       `json:"error,omitempty"`
}

// CreateItemRequest publishes an item of the calling provider.
type CreateItemRequest struct {
	Kind        catalog.Kind `json:"kind"        example:"product"`
	Name        string       `json:"name"        example:"Lámpara de escritorio"`
	Description string       `json:"description"`
	Price       string       `json:"price"       example:"100000"`
	Stock       int          `json:"stock"       example:"5"`
}

func pageParams(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

// @Summary      Publish an item
// @Tags         items
// @Accept       json
// @Produce      json
// @Param        X-User-ID   header  string             true  "caller id"
// @Param        X-User-Role header  string             true  "caller role (provider)"
// @Param        body        body    CreateItemRequest  true  "item"
// @Success      201  {object}  catalog.Item
// @Failure      400  {object}  httpx.ErrorResponse
// @Failure      403  {object}  httpx.ErrorResponse
// @Router       /items [post]
func createItemHandler(items catalog.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := httpx.Caller(c)
		if err := access.RequireProvider(caller, caller.UserID); err != nil {
			httpx.Abort(c, err)
			return
		}
		var req CreateItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpx.ErrorResponse{Error: "invalid json"})
			return
		}
		price, err := decimal.NewFromString(req.Price)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpx.ErrorResponse{Error: "invalid price"})
			return
		}
		it := &catalog.Item{
			ID:          uuid.NewString(),
			Kind:        req.Kind,
			Name:        req.Name,
			Description: req.Description,
			Price:       price,
			Stock:       req.Stock,
			ProviderID:  caller.UserID,
		}
		if !it.Kind.Stocked() {
			it.Stock = 0
		}
		if err := items.Create(c.Request.Context(), it); err != nil {
			if errors.Is(err, catalog.ErrInvalidItem) {
				c.JSON(http.StatusBadRequest, httpx.ErrorResponse{Error: err.Error()})
				return
			}
			httpx.Abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, it)
	}
}

// @Summary      List items
// @Tags         items
// @Produce      json
// @Param        q            query  string  false  "text search"
// @Param        provider_id  query  string  false  "provider filter"
// @Param        limit        query  int     false  "page size"  default(20)
// @Param        offset       query  int     false  "offset"     default(0)
// @Success      200  {array}  catalog.Item
// @Router       /items [get]
func listItemsHandler(items catalog.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := pageParams(c)
		out, err := items.List(c.Request.Context(), catalog.Query{
			Q: c.Query("q"), ProviderID: c.Query("provider_id"), Limit: limit, Offset: offset,
		})
		if err != nil {
			httpx.Abort(c, err)
			return
		}
		if out == nil {
			out = []catalog.Item{}
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary      Create an order
// @Description  Prices the item, freezes the quote and creates the order with an INITIATED payment.
// @Tags         orders
// @Accept       json
// @Produce      json
// @Param        X-User-ID   header  string                    true  "caller id"
// @Param        X-User-Role header  string                    true  "caller role"
// @Param        body        body    order.CreateOrderRequest  true  "order"
// @Success      201  {object}  order.CreateOrderResponse
// @Failure      400  {object}  httpx.ErrorResponse
// @Failure      404  {object}  httpx.ErrorResponse
// @Failure      409  {object}  httpx.ErrorResponse  "insufficient stock"
// @Router       /orders [post]
func createOrderHandler(asm *order.Assembler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ItemID == "" {
			c.JSON(http.StatusBadRequest, httpx.ErrorResponse{Error: "invalid json"})
			return
		}
		o, p, err := asm.CreateOrder(c.Request.Context(), httpx.Caller(c), req)
		if err != nil {
			httpx.Abort(c, err)
			return
		}
		o.Payment = nil
		c.JSON(http.StatusCreated, order.CreateOrderResponse{Order: o, Payment: p})
	}
}

// @Summary      Get an order
// @Tags         orders
// @Produce      json
// @Param        id  path  string  true  "order id"
// @Success      200  {object}  order.Order
// @Failure      403  {object}  httpx.ErrorResponse
// @Failure      404  {object}  httpx.ErrorResponse
// @Router       /orders/{id} [get]
func getOrderHandler(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Get(c.Request.Context(), httpx.Caller(c), c.Param("id"))
		if err != nil {
			httpx.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// @Summary      List a buyer's orders
// @Tags         orders
// @Produce      json
// @Param        user_id  path   string  true   "buyer id"
// @Param        limit    query  int     false  "page size"  default(20)
// @Param        offset   query  int     false  "offset"     default(0)
// @Success      200  {object}  order.ListResponse
// @Failure      403  {object}  httpx.ErrorResponse
// @Router       /orders/user/{user_id} [get]
func listOrdersByUserHandler(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := pageParams(c)
		out, err := svc.ListByBuyer(c.Request.Context(), httpx.Caller(c), c.Param("user_id"), limit, offset)
		if err != nil {
			httpx.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, order.ListResponse{Limit: limit, Offset: offset, Items: out})
	}
}

// @Summary      Start the payment of an order
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        id    path  string                        true   "order id"
// @Param        body  body  order.InitiatePaymentRequest  false  "return url"
// @Success      200  {object}  order.PaymentRedirect
// @Failure      409  {object}  httpx.ErrorResponse  "already processed"
// @Failure      503  {object}  httpx.ErrorResponse  "gateway unavailable"
// @Router       /orders/{id}/payment [post]
func initiatePaymentHandler(saga *payment.Saga) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.InitiatePaymentRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, httpx.ErrorResponse{Error: "invalid json"})
				return
			}
		}
		r, err := saga.Initiate(c.Request.Context(), httpx.Caller(c), c.Param("id"), req.ReturnURL)
		if err != nil {
			httpx.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// @Summary      Confirm a payment
// @Description  Gateway return url. Accepts a JSON token or the form/query field token_ws. Repeated calls for a settled payment return the stored outcome.
// @Tags         payments
// @Accept       json,x-www-form-urlencoded
// @Produce      json
// @Param        body  body  order.ConfirmPaymentRequest  false  "token"
// @Success      200  {object}  ConfirmResponse
// @Failure      402  {object}  ConfirmResponse      "declined"
// @Failure      404  {object}  httpx.ErrorResponse  "unknown token"
// @Failure      409  {object}  httpx.ErrorResponse  "confirmation in progress"
// @Failure      503  {object}  httpx.ErrorResponse  "gateway unavailable"
// @Router       /payments/confirm [post]
func confirmPaymentHandler(saga *payment.Saga) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.ConfirmPaymentRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpx.ErrorResponse{Error: "invalid request"})
			return
		}
		if req.Token == "" {
			c.JSON(http.StatusBadRequest, httpx.ErrorResponse{Error: "token is required"})
			return
		}
		o, err := saga.Confirm(c.Request.Context(), req.Token)
		if err != nil {
			if o != nil {
				c.JSON(httpx.StatusFor(err), ConfirmResponse{Order: o, Error: err.Error()})
				return
			}
			httpx.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, ConfirmResponse{Order: o})
	}
}

// @Summary      Cancel an unpaid order
// @Tags         orders
// @Produce      json
// @Param        id  path  string  true  "order id"
// @Success      200  {object}  order.Order
// @Failure      409  {object}  httpx.ErrorResponse
// @Router       /orders/{id}/cancel [post]
func cancelOrderHandler(saga *payment.Saga) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := saga.Abandon(c.Request.Context(), httpx.Caller(c), c.Param("id"))
		if err != nil {
			httpx.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// @Summary      Change an order status
// @Description  Providers may complete their processing orders; admins may set any status.
// @Tags         orders
// @Accept       json
// @Produce      json
// @Param        id    path  string                true  "order id"
// @Param        body  body  order.StatusOverride  true  "new status"
// @Success      200  {object}  order.Order
// @Failure      400  {object}  httpx.ErrorResponse
// @Failure      403  {object}  httpx.ErrorResponse
// @Failure      409  {object}  httpx.ErrorResponse
// @Router       /orders/{id}/status [put]
func updateOrderStatusHandler(svc *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.StatusOverride
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpx.ErrorResponse{Error: "invalid json"})
			return
		}
		caller := httpx.Caller(c)
		var (
			o   *order.Order
			err error
		)
		switch {
		case caller.IsAdmin():
			o, err = svc.Override(c.Request.Context(), caller, c.Param("id"), req)
		case req.Status == order.StatusCompleted:
			o, err = svc.Complete(c.Request.Context(), caller, c.Param("id"))
		default:
			err = access.ErrForbidden
		}
		if err != nil {
			httpx.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}
