package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeMC777/marketplace-saga/internal/catalog"
)

func TestInitiate(t *testing.T) {
	var got createRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, transactionsPath, r.URL.Path)
		assert.Equal(t, "597055555532", r.Header.Get("Tbk-Api-Key-Id"))
		assert.Equal(t, "secret", r.Header.Get("Tbk-Api-Key-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1", "url": "https://pay.example/init"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "597055555532", "secret", time.Second)
	res, err := c.Initiate(context.Background(), "P-abc", "sess-1", decimal.NewFromInt(220000), "https://shop.example/return")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", res.Token)
	assert.Equal(t, "https://pay.example/init", res.RedirectURL)
	assert.Equal(t, "P-abc", got.BuyOrder)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "220000", got.Amount.String())
	assert.Equal(t, "https://shop.example/return", got.ReturnURL)
}

func TestInitiateRejectsNonPositiveAmountWithoutCalling(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "c", "k", time.Second)
	_, err := c.Initiate(context.Background(), "P-1", "s", decimal.Zero, "https://x")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = c.Initiate(context.Background(), "P-1", "s", decimal.NewFromInt(-5), "https://x")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCommit(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		authorized bool
	}{
		{"authorized", `{"status":"AUTHORIZED","response_code":0,"buy_order":"P-1","amount":1000}`, true},
		{"failed status", `{"status":"FAILED","response_code":-1,"buy_order":"P-1","amount":1000}`, false},
		{"authorized with bad code", `{"status":"AUTHORIZED","response_code":-3,"buy_order":"P-1"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				assert.True(t, strings.HasSuffix(r.URL.Path, "/transactions/tok-9"))
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			res, err := NewClient(srv.URL, "c", "k", time.Second).Commit(context.Background(), "tok-9")
			require.NoError(t, err)
			assert.Equal(t, tc.authorized, res.Authorized)
			assert.Equal(t, "P-1", res.RawOrderRef)
		})
	}
}

func TestCommitParsesAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"AUTHORIZED","response_code":0,"buy_order":"P-1","amount":220000}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "c", "k", time.Second).Commit(context.Background(), "tok-9")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(220000).Equal(res.Amount), res.Amount.String())
}

func TestStatusReadsWithoutCommitting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/transactions/tok-9"))
		_, _ = w.Write([]byte(`{"status":"INITIALIZED","buy_order":"P-1","amount":1000}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "c", "k", time.Second).Status(context.Background(), "tok-9")
	require.NoError(t, err)
	assert.False(t, res.Authorized)
	assert.Equal(t, OutcomeUnpaid, Classify(res.RawStatus, res.ResponseCode))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status string
		code   int
		want   Outcome
	}{
		{StatusAuthorized, 0, OutcomePaid},
		{StatusAuthorized, -1, OutcomeUnknown},
		{StatusFailed, -1, OutcomeDeclined},
		{StatusNullified, 0, OutcomeDeclined},
		{StatusReversed, 0, OutcomeDeclined},
		{StatusInitialized, 0, OutcomeUnpaid},
		{"CAPTURED", 0, OutcomeUnknown},
		{"PARTIALLY_NULLIFIED", 0, OutcomeUnknown},
		{"", 0, OutcomeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.status, tc.code), "%s/%d", tc.status, tc.code)
	}
}

func TestCommitFailuresAreNotDeclines(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		_, err := NewClient(srv.URL, "c", "k", time.Second).Commit(context.Background(), "t")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		start := time.Now()
		_, err := NewClient(srv.URL, "c", "k", 50*time.Millisecond).Commit(context.Background(), "t")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("client error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error_message":"token invalid"}`, http.StatusUnprocessableEntity)
		}))
		defer srv.Close()
		_, err := NewClient(srv.URL, "c", "k", time.Second).Commit(context.Background(), "t")
		assert.ErrorIs(t, err, ErrRejected)
		assert.NotErrorIs(t, err, ErrUnavailable)
	})
}

func TestBuyOrderRef(t *testing.T) {
	id := "3f2b8c1e-0d4a-4c1b-9a61-7f0e2d5c9b10"
	assert.Equal(t, "P-3f2b8c1e0d4a4c1b9a617f0e", BuyOrderRef(catalog.KindProduct, id))
	assert.Equal(t, BuyOrderRef(catalog.KindJob, id), BuyOrderRef(catalog.KindJob, id))
	assert.NotEqual(t, BuyOrderRef(catalog.KindService, id), BuyOrderRef(catalog.KindJob, id))
}
