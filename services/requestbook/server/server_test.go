package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/itublockchain/ARIF/native/requestbook"
	"github.com/itublockchain/ARIF/services/requestbook/engine"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c0")

	evaluatedAt = time.Unix(1_700_100_000, 0).UTC()
)

func openView(id uint64) requestbook.LoanView {
	return requestbook.LoanView{
		ID:                       id,
		Borrower:                 alice,
		Principal:                uint256.NewInt(1_000),
		Deadline:                 1_700_000_000,
		BaseInterestRateBps:      uint256.NewInt(1_000),
		AssetID:                  usdc,
		Status:                   requestbook.StatusOpen,
		FundedAmount:             new(uint256.Int),
		IsOverdue:                true,
		OverdueDays:              1,
		EffectiveInterestRateBps: uint256.NewInt(1_000),
	}
}

func fundedView(id uint64) requestbook.LoanView {
	view := openView(id)
	lender := bob
	view.Lender = &lender
	view.Status = requestbook.StatusFunded
	view.FundedAmount = uint256.NewInt(1_000)
	return view
}

func sampleResult() engine.Result {
	return engine.Result{
		Views:       []requestbook.LoanView{openView(0), fundedView(1)},
		Scanned:     4,
		Skipped:     []engine.SkippedID{{ID: 3, Reason: "request: rpc timeout"}},
		Overflowed:  []engine.SkippedID{{ID: 2, Reason: "requestbook: amount overflows 256 bits"}},
		Malformed:   1,
		EvaluatedAt: evaluatedAt,
	}
}

func newTestServer(t *testing.T, fake *fakeReconciler, limiter Limiter) http.Handler {
	t.Helper()
	srv, err := New(Config{
		Engine:  fake,
		Limiter: limiter,
		Clock:   func() time.Time { return evaluatedAt },
		Metrics: http.NotFoundHandler(),
	})
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, handler http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) listResponse {
	t.Helper()
	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{}, nil)
	rec := do(t, handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRequestIDIsPropagated(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "trace-me")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "trace-me", rec.Header().Get(requestIDHeader))
}

func TestListLoans(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{
		allFn: func(context.Context) (engine.Result, error) { return sampleResult(), nil },
	}, nil)

	rec := do(t, handler, http.MethodGet, "/v1/loans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeList(t, rec)
	require.Len(t, resp.Loans, 2)
	require.Equal(t, uint64(4), resp.Scanned)
	require.Equal(t, 1, resp.Skipped)
	require.Equal(t, uint64(3), resp.SkippedIDs[0].ID)
	require.Len(t, resp.OverflowedIDs, 1)
	require.Equal(t, uint64(2), resp.OverflowedIDs[0].ID)
	require.Equal(t, 1, resp.Malformed)
	require.True(t, resp.EvaluatedAt.Equal(evaluatedAt))

	open := resp.Loans[0]
	require.Nil(t, open.Lender)
	require.Equal(t, "Open", open.Status)
	require.Equal(t, "0", open.FundedAmount)
	funded := resp.Loans[1]
	require.NotNil(t, funded.Lender)
	require.Equal(t, bob.Hex(), *funded.Lender)
	require.Equal(t, "1000", funded.FundedAmount)
}

func TestListLoansOmitsLenderKeyForOpenLoans(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{
		allFn: func(context.Context) (engine.Result, error) { return sampleResult(), nil },
	}, nil)
	rec := do(t, handler, http.MethodGet, "/v1/loans?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw struct {
		Loans []map[string]any `json:"loans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw.Loans, 1)
	require.NotContains(t, raw.Loans[0], "lender")
}

func TestListLoansStatusFilter(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{
		allFn: func(context.Context) (engine.Result, error) { return sampleResult(), nil },
	}, nil)

	rec := do(t, handler, http.MethodGet, "/v1/loans?status=funded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeList(t, rec)
	require.Len(t, resp.Loans, 1)
	require.Equal(t, uint64(1), resp.Loans[0].ID)

	rec = do(t, handler, http.MethodGet, "/v1/loans?status=repaid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLoansLedgerUnavailable(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{
		allFn: func(context.Context) (engine.Result, error) {
			return engine.Result{}, fmt.Errorf("%w: count: eof", engine.ErrLedgerUnavailable)
		},
	}, nil)
	rec := do(t, handler, http.MethodGet, "/v1/loans", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"error":"ledger unavailable"}`, rec.Body.String())
}

func TestBorrowerLoans(t *testing.T) {
	var got common.Address
	handler := newTestServer(t, &fakeReconciler{
		borrowerFn: func(_ context.Context, borrower common.Address) (engine.Result, error) {
			got = borrower
			return sampleResult(), nil
		},
	}, nil)

	rec := do(t, handler, http.MethodGet, "/v1/borrowers/"+strings.ToLower(alice.Hex())+"/loans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, alice, got)

	rec = do(t, handler, http.MethodGet, "/v1/borrowers/not-an-address/loans", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLenderLoans(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{
		lenderFn: func(_ context.Context, lender common.Address) (engine.Result, error) {
			require.Equal(t, bob, lender)
			return engine.Result{Views: []requestbook.LoanView{fundedView(1)}, EvaluatedAt: evaluatedAt}, nil
		},
	}, nil)

	rec := do(t, handler, http.MethodGet, "/v1/lenders/"+bob.Hex()+"/loans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeList(t, rec)
	require.Len(t, resp.Loans, 1)
	require.NotNil(t, resp.SkippedIDs)
	require.NotNil(t, resp.OverflowedIDs)
}

func TestRepayment(t *testing.T) {
	var gotID uint64
	var gotAt time.Time
	handler := newTestServer(t, &fakeReconciler{
		repaymentFn: func(_ context.Context, id uint64, now time.Time) (engine.Quote, error) {
			gotID, gotAt = id, now
			return engine.Quote{
				View: fundedView(id),
				Repayment: requestbook.Repayment{
					OverdueDays:       4,
					IsOverdue:         true,
					MultiplierPercent: 150,
					EffectiveRateBps:  uint256.NewInt(1_500),
					Interest:          uint256.NewInt(150),
					AmountDue:         uint256.NewInt(1_150),
				},
				EvaluatedAt: now,
			}, nil
		},
	}, nil)

	rec := do(t, handler, http.MethodGet, "/v1/loans/1/repayment?at=1700345600", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(1), gotID)
	require.Equal(t, int64(1_700_345_600), gotAt.Unix())

	var resp repaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "1150", resp.AmountDue)
	require.Equal(t, "150", resp.Interest)
	require.Equal(t, uint64(150), resp.MultiplierPercent)

	rec = do(t, handler, http.MethodGet, "/v1/loans/1/repayment", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, gotAt.Equal(evaluatedAt), "defaults to the server clock")
}

func TestRepaymentErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
	}{
		{name: "bad id", target: "/v1/loans/abc/repayment", status: http.StatusBadRequest},
		{name: "bad at", target: "/v1/loans/1/repayment?at=tomorrow", status: http.StatusBadRequest},
		{name: "missing", target: "/v1/loans/9/repayment", err: engine.ErrNotFound, status: http.StatusNotFound},
		{name: "cancelled", target: "/v1/loans/3/repayment", err: engine.ErrCancelled, status: http.StatusNotFound},
		{name: "open", target: "/v1/loans/0/repayment", err: engine.ErrNotFunded, status: http.StatusConflict},
		{name: "unreadable", target: "/v1/loans/4/repayment", err: engine.ErrRecordUnreadable, status: http.StatusServiceUnavailable},
		{name: "malformed", target: "/v1/loans/2/repayment", err: fmt.Errorf("%w: %w: loan 2", engine.ErrNotFound, engine.ErrMalformedRecord), status: http.StatusNotFound},
		{name: "rate overflow", target: "/v1/loans/7/repayment", err: fmt.Errorf("%w: loan 7", requestbook.ErrAmountOverflow), status: http.StatusUnprocessableEntity},
		{name: "before epoch", target: "/v1/loans/1/repayment?at=-5", err: requestbook.ErrInvalidTimeInput, status: http.StatusBadRequest},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestServer(t, &fakeReconciler{
				repaymentFn: func(context.Context, uint64, time.Time) (engine.Quote, error) {
					return engine.Quote{}, tc.err
				},
			}, nil)
			rec := do(t, handler, http.MethodGet, tc.target, nil)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestEligibility(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{}, nil)
	eligible := fmt.Sprintf(`{
		"borrower": %q,
		"principal": "1000",
		"deadline": %d,
		"interestBps": 1000,
		"asset": %q,
		"kycVerified": true,
		"creditGrade": "b",
		"reclaimProofValid": true
	}`, alice.Hex(), evaluatedAt.Unix()+86_400, usdc.Hex())

	rec := do(t, handler, http.MethodPost, "/v1/requests/eligibility", []byte(eligible))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp eligibilityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Eligible)
	require.Empty(t, resp.Violations)

	ineligible := fmt.Sprintf(`{
		"borrower": %q,
		"principal": "1000",
		"deadline": %d,
		"interestBps": 20000,
		"asset": %q
	}`, alice.Hex(), evaluatedAt.Unix()+86_400, usdc.Hex())
	rec = do(t, handler, http.MethodPost, "/v1/requests/eligibility", []byte(ineligible))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = eligibilityResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Eligible)
	require.Len(t, resp.Violations, 4)
}

func TestEligibilityRejectsMalformedInput(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{}, nil)

	rec := do(t, handler, http.MethodPost, "/v1/requests/eligibility", []byte(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodPost, "/v1/requests/eligibility", []byte(`{"borrower":"0x1"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := fmt.Sprintf(`{"borrower":%q,"asset":%q,"principal":"12x"}`, alice.Hex(), usdc.Hex())
	rec = do(t, handler, http.MethodPost, "/v1/requests/eligibility", []byte(body))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodPost, "/v1/requests/eligibility", bytes.Repeat([]byte(" "), maxEligibilityBody+1))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestExportLoans(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{
		allFn: func(context.Context) (engine.Result, error) { return sampleResult(), nil },
	}, nil)

	rec := do(t, handler, http.MethodGet, "/v1/exports/loans?format=csv&status=funded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")
	sum := sha256.Sum256(rec.Body.Bytes())
	require.Equal(t, hex.EncodeToString(sum[:]), rec.Header().Get("X-Checksum-Sha256"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2, "header plus the funded loan")

	rec = do(t, handler, http.MethodGet, "/v1/exports/loans?format=xlsx", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThrottle(t *testing.T) {
	var clients []string
	limiter := &fakeLimiter{allowFn: func(_ context.Context, client string) (bool, error) {
		clients = append(clients, client)
		return false, nil
	}}
	handler := newTestServer(t, &fakeReconciler{}, limiter)

	req := httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, []string{"192.0.2.1"}, clients, "forwarding headers are ignored without trusted proxies")

	rec = do(t, handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "health checks are never throttled")
}

func TestThrottleIgnoresSpoofedClientHeaders(t *testing.T) {
	handler := newTestServer(t, &fakeReconciler{}, NewMemoryLimiter(60, 1))

	limited := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	require.Equal(t, 19, limited)
}

func TestClientIDHonoursTrustedProxies(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name      string
		remote    string
		forwarded string
		realIP    string
		want      string
	}{
		{name: "untrusted peer", remote: "192.0.2.1:1234", forwarded: "203.0.113.7", want: "192.0.2.1"},
		{name: "trusted peer", remote: "10.0.0.5:1234", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "rightmost untrusted hop", remote: "10.0.0.5:1234", forwarded: "198.51.100.9, 203.0.113.7, 10.0.0.2", want: "203.0.113.7"},
		{name: "garbage hop", remote: "10.0.0.5:1234", forwarded: "nope, 10.0.0.2", realIP: "203.0.113.8", want: "203.0.113.8"},
		{name: "real ip", remote: "10.0.0.5:1234", realIP: "203.0.113.8", want: "203.0.113.8"},
		{name: "no headers", remote: "10.0.0.5:1234", want: "10.0.0.5"},
		{name: "bare remote", remote: "192.0.2.3", forwarded: "203.0.113.7", want: "192.0.2.3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			require.Equal(t, tc.want, clientID(req, proxies))
		})
	}
}

func TestThrottleThroughTrustedProxy(t *testing.T) {
	var clients []string
	srv, err := New(Config{
		Engine: &fakeReconciler{},
		Limiter: &fakeLimiter{allowFn: func(_ context.Context, client string) (bool, error) {
			clients = append(clients, client)
			return true, nil
		}},
		Metrics:        http.NotFoundHandler(),
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/loans", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"203.0.113.7"}, clients)
}

// throttleRoutes returns the route labels of the throttle counter.
func throttleRoutes(t *testing.T) map[string]struct{} {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	routes := make(map[string]struct{})
	for _, family := range families {
		if family.GetName() != "requestbook_api_throttles_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "route" {
					routes[label.GetValue()] = struct{}{}
				}
			}
		}
	}
	return routes
}

func TestThrottleMetricsStayBounded(t *testing.T) {
	limiter := &fakeLimiter{allowFn: func(context.Context, string) (bool, error) { return false, nil }}
	handler := newTestServer(t, &fakeReconciler{}, limiter)

	for i := 0; i < 50; i++ {
		target := fmt.Sprintf("/v1/borrowers/0x%040x/loans", i)
		rec := do(t, handler, http.MethodGet, target, nil)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
	rec := do(t, handler, http.MethodGet, "/v1/no/such/route", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	routes := throttleRoutes(t)
	require.Equal(t, map[string]struct{}{"/v1": {}}, routes)
}

func TestThrottleFailsOpenWhenLimiterErrors(t *testing.T) {
	limiter := &fakeLimiter{allowFn: func(context.Context, string) (bool, error) {
		return false, errors.New("redis: i/o timeout")
	}}
	handler := newTestServer(t, &fakeReconciler{}, limiter)
	rec := do(t, handler, http.MethodGet, "/v1/loans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestTimeoutBoundsLedgerCalls(t *testing.T) {
	srv, err := New(Config{
		Engine: &fakeReconciler{allFn: func(ctx context.Context) (engine.Result, error) {
			<-ctx.Done()
			return engine.Result{}, ctx.Err()
		}},
		RequestTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	rec := do(t, srv.Handler(), http.MethodGet, "/v1/loans", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}
