package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/lifecycle"
)

type fakeDriver struct {
	openErr  error
	closeErr error
	lastOpen lifecycle.OpenParams
}

func (f *fakeDriver) StartOpen(ctx context.Context, p lifecycle.OpenParams) (domain.TransactionRequest, error) {
	f.lastOpen = p
	if f.openErr != nil {
		return domain.TransactionRequest{}, f.openErr
	}
	return domain.TransactionRequest{
		ID:        "req-1",
		Kind:      domain.RequestKindOpen,
		Trader:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		State:     domain.StateIdle,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeDriver) StartClose(ctx context.Context, positionID uint64) (domain.TransactionRequest, error) {
	if f.closeErr != nil {
		return domain.TransactionRequest{}, f.closeErr
	}
	return domain.TransactionRequest{
		ID:         "req-2",
		Kind:       domain.RequestKindClose,
		PositionID: positionID,
		State:      domain.StateIdle,
	}, nil
}

func (f *fakeDriver) Abandon(ctx context.Context, requestID string) error { return nil }

type fakeRequests struct {
	reqs map[string]domain.TransactionRequest
}

func (f *fakeRequests) Get(id string) (domain.TransactionRequest, error) {
	req, ok := f.reqs[id]
	if !ok {
		return domain.TransactionRequest{}, fmt.Errorf("journal: request %s: %w", id, domain.ErrNotFound)
	}
	return req, nil
}

func (f *fakeRequests) List() []domain.TransactionRequest {
	out := make([]domain.TransactionRequest, 0, len(f.reqs))
	for _, r := range f.reqs {
		out = append(out, r)
	}
	return out
}

func newTradeHandler(driver *fakeDriver, requests *fakeRequests) *TradeHandler {
	if requests == nil {
		requests = &fakeRequests{reqs: map[string]domain.TransactionRequest{}}
	}
	return NewTradeHandler(driver, requests, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOpenPositionAccepted(t *testing.T) {
	driver := &fakeDriver{}
	h := newTradeHandler(driver, nil)

	body := `{"size":"1000","collateral":"600","leverage":5,"side":"long"}`
	rec := httptest.NewRecorder()
	h.OpenPosition(rec, httptest.NewRequest(http.MethodPost, "/api/trade/open", strings.NewReader(body)))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var dto requestDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "req-1", dto.ID)
	assert.Equal(t, string(domain.StateIdle), dto.State)

	assert.Equal(t, "1000", driver.lastOpen.Size.String())
	assert.Equal(t, "600", driver.lastOpen.Collateral.String())
	assert.Equal(t, domain.SideLong, driver.lastOpen.Side)
}

func TestOpenPositionRejectsBadBody(t *testing.T) {
	h := newTradeHandler(&fakeDriver{}, nil)

	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"size not numeric", `{"size":"abc","collateral":"600","leverage":5,"side":"long"}`},
		{"collateral not numeric", `{"size":"1000","collateral":"1.5","leverage":5,"side":"long"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.OpenPosition(rec, httptest.NewRequest(http.MethodPost, "/api/trade/open", strings.NewReader(tc.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestOpenPositionDomainErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrOperationInProgress, http.StatusConflict},
		{domain.ErrPaused, http.StatusServiceUnavailable},
		{domain.ErrContractsNotDeployed, http.StatusServiceUnavailable},
		{domain.ErrOracleStale, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			h := newTradeHandler(&fakeDriver{openErr: tc.err}, nil)

			body := `{"size":"1000","collateral":"600","leverage":5,"side":"long"}`
			rec := httptest.NewRecorder()
			h.OpenPosition(rec, httptest.NewRequest(http.MethodPost, "/api/trade/open", strings.NewReader(body)))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestClosePosition(t *testing.T) {
	h := newTradeHandler(&fakeDriver{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/trade/close/5", nil)
	req.SetPathValue("id", "5")
	rec := httptest.NewRecorder()
	h.ClosePosition(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var dto requestDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, uint64(5), dto.PositionID)
}

func TestClosePositionBadID(t *testing.T) {
	h := newTradeHandler(&fakeDriver{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/trade/close/abc", nil)
	req.SetPathValue("id", "abc")
	rec := httptest.NewRecorder()
	h.ClosePosition(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloseForeignPositionForbidden(t *testing.T) {
	h := newTradeHandler(&fakeDriver{closeErr: fmt.Errorf("lifecycle: %w", domain.ErrAuthorization)}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/trade/close/5", nil)
	req.SetPathValue("id", "5")
	rec := httptest.NewRecorder()
	h.ClosePosition(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetRequest(t *testing.T) {
	requests := &fakeRequests{reqs: map[string]domain.TransactionRequest{
		"req-9": {ID: "req-9", State: domain.StateSucceeded, Transitions: []domain.Transition{
			{From: domain.StateIdle, To: domain.StateValidating, At: time.Now()},
		}},
	}}
	h := newTradeHandler(&fakeDriver{}, requests)

	req := httptest.NewRequest(http.MethodGet, "/api/requests/req-9", nil)
	req.SetPathValue("id", "req-9")
	rec := httptest.NewRecorder()
	h.GetRequest(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var dto requestDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, string(domain.StateSucceeded), dto.State)
	require.Len(t, dto.Transitions, 1)

	// Unknown id maps to 404.
	req = httptest.NewRequest(http.MethodGet, "/api/requests/nope", nil)
	req.SetPathValue("id", "nope")
	rec = httptest.NewRecorder()
	h.GetRequest(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
