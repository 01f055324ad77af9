package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/itublockchain/ARIF/integrations/exports"
	"github.com/itublockchain/ARIF/native/requestbook"
	"github.com/itublockchain/ARIF/services/requestbook/engine"
)

const maxEligibilityBody = 16 << 10

// Reconciler is the engine surface served over HTTP.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (engine.Result, error)
	ReconcileForBorrower(ctx context.Context, borrower common.Address) (engine.Result, error)
	ReconcileForLender(ctx context.Context, lender common.Address) (engine.Result, error)
	ComputeRepayment(ctx context.Context, id uint64, now time.Time) (engine.Quote, error)
}

// Config wires the HTTP server dependencies.
type Config struct {
	Engine  Reconciler
	Limiter Limiter
	Logger  *slog.Logger
	// Clock supplies the evaluation time for eligibility checks.
	Clock func() time.Time
	// Metrics overrides the /metrics handler. Defaults to promhttp.Handler.
	Metrics http.Handler
	// RequestTimeout bounds every ledger backed handler. Zero disables it.
	RequestTimeout time.Duration
	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers identify the client. Empty keys the limiter on RemoteAddr.
	TrustedProxies []netip.Prefix
}

// Server serves the reconciled loan views.
type Server struct {
	engine  Reconciler
	limiter Limiter
	logger  *slog.Logger
	clock   func() time.Time
	metrics http.Handler
	timeout time.Duration
	proxies []netip.Prefix
}

// New constructs the HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	s := &Server{
		engine:  cfg.Engine,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		timeout: cfg.RequestTimeout,
		proxies: cfg.TrustedProxies,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	return s, nil
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(observe(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Use(throttle(s.limiter, s.proxies, "/v1", s.logger))
		r.Get("/loans", s.handleLoans)
		r.Get("/loans/{id}/repayment", s.handleRepayment)
		r.Get("/borrowers/{address}/loans", s.handleBorrowerLoans)
		r.Get("/lenders/{address}/loans", s.handleLenderLoans)
		r.Post("/requests/eligibility", s.handleEligibility)
		r.Get("/exports/loans", s.handleExport)
	})
	return otelhttp.NewHandler(r, "requestbook.api")
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.fail(w, r, "list_loans", err)
		return
	}
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	result, err := s.engine.ReconcileAll(ctx)
	if err != nil {
		s.fail(w, r, "list_loans", err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(result, filter(result.Views, status)))
}

func (s *Server) handleBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	borrower, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "borrower_loans", err)
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		s.fail(w, r, "borrower_loans", err)
		return
	}
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	result, err := s.engine.ReconcileForBorrower(ctx, borrower)
	if err != nil {
		s.fail(w, r, "borrower_loans", err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(result, filter(result.Views, status)))
}

func (s *Server) handleLenderLoans(w http.ResponseWriter, r *http.Request) {
	lender, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, "lender_loans", err)
		return
	}
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	result, err := s.engine.ReconcileForLender(ctx, lender)
	if err != nil {
		s.fail(w, r, "lender_loans", err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(result, result.Views))
}

func (s *Server) handleRepayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.fail(w, r, "repayment", badRequest("loan id must be an unsigned integer"))
		return
	}
	at := s.clock()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(w, r, "repayment", badRequest("at must be a unix timestamp"))
			return
		}
		at = time.Unix(unix, 0)
	}
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	quote, err := s.engine.ComputeRepayment(ctx, id, at)
	if err != nil {
		s.fail(w, r, "repayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toRepaymentResponse(quote))
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEligibilityBody+1))
	if err != nil {
		s.fail(w, r, "eligibility", badRequest("unable to read body"))
		return
	}
	if len(body) > maxEligibilityBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req eligibilityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, "eligibility", badRequest("invalid JSON body"))
		return
	}
	draft, facts, err := req.decode()
	if err != nil {
		s.fail(w, r, "eligibility", err)
		return
	}
	resp := eligibilityResponse{Eligible: true, Violations: []string{}}
	if err := requestbook.CheckEligibility(facts, draft, s.clock()); err != nil {
		var eligibility *requestbook.EligibilityError
		if !errors.As(err, &eligibility) {
			s.fail(w, r, "eligibility", err)
			return
		}
		resp.Eligible = false
		for _, violation := range eligibility.Violations {
			resp.Violations = append(resp.Violations, strings.TrimPrefix(violation.Error(), "requestbook: "))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format := strings.ToLower(strings.TrimSpace(query.Get("format")))
	if format == "" {
		format = exports.FormatCSV
	}
	switch format {
	case exports.FormatCSV, exports.FormatJSONL, exports.FormatParquet:
	default:
		s.fail(w, r, "export", badRequest(fmt.Sprintf("unsupported format %q", format)))
		return
	}
	status, err := parseStatus(query.Get("status"))
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	result, err := s.engine.ReconcileAll(ctx)
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	data, sum, err := exports.Render(format, filter(result.Views, status), result.EvaluatedAt)
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	w.Header().Set("Content-Type", exports.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"loans-%d.%s\"", result.EvaluatedAt.Unix(), format))
	w.Header().Set("X-Checksum-Sha256", sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, message := toStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("op", op),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	writeJSONError(w, status, message)
}

func (req eligibilityRequest) decode() (requestbook.RequestDraft, requestbook.IdentityFacts, error) {
	var draft requestbook.RequestDraft
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		return draft, requestbook.IdentityFacts{}, err
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		return draft, requestbook.IdentityFacts{}, badRequest("invalid asset address")
	}
	principal := new(uint256.Int)
	if raw := strings.TrimSpace(req.Principal); raw != "" {
		if principal, err = uint256.FromDecimal(raw); err != nil {
			return draft, requestbook.IdentityFacts{}, badRequest("principal must be a decimal integer")
		}
	}
	draft = requestbook.RequestDraft{
		Borrower:            borrower,
		Principal:           principal,
		Deadline:            req.Deadline,
		BaseInterestRateBps: req.InterestBps,
		AssetID:             asset,
	}
	facts := requestbook.IdentityFacts{
		KYCVerified:       req.KYCVerified,
		CreditGrade:       requestbook.CreditGrade(strings.ToUpper(strings.TrimSpace(req.CreditGrade))),
		ReclaimProofValid: req.ReclaimProofValid,
	}
	return draft, facts, nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("invalid address")
	}
	return common.HexToAddress(raw), nil
}

func parseStatus(raw string) (requestbook.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case "open":
		return requestbook.StatusOpen, nil
	case "funded":
		return requestbook.StatusFunded, nil
	default:
		return "", badRequest("status must be open or funded")
	}
}

func filter(views []requestbook.LoanView, status requestbook.Status) []requestbook.LoanView {
	if status == "" {
		return views
	}
	return requestbook.FilterStatus(views, status)
}
