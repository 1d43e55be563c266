package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outcomefi/prediction-backend/internal/apperr"
	"github.com/outcomefi/prediction-backend/internal/config"
	"github.com/outcomefi/prediction-backend/internal/gateway"
	"github.com/outcomefi/prediction-backend/internal/market"
	"github.com/outcomefi/prediction-backend/internal/store"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *store.Store
	markets          *market.Service
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	st, err := store.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	ledger, err := gateway.New(cfg.Gateway, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	svc := market.NewService(
		ledger,
		st.Markets(),
		st.Actions(),
		st.Positions(),
		market.SystemClock{},
		cfg.TradeFeeBps,
		logger,
	)

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            st,
		markets:          svc,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/markets", s.handleMarketsRoot)
	mux.HandleFunc("/api/markets/", s.handleMarketSubroutes)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type anchorErrorInfo struct {
	Code   string `json:"code"`
	Number int    `json:"number"`
}

type errorResponse struct {
	Error  string           `json:"error"`
	Code   string           `json:"code,omitempty"`
	Anchor *anchorErrorInfo `json:"anchor,omitempty"`
}

type createMarketRequest struct {
	UserID           string `json:"user_id"`
	IdempotencyKey   string `json:"idempotency_key"`
	MarketSeedID     uint64 `json:"market_seed_id,omitempty"`
	Question         string `json:"question"`
	EndTimeUnix      int64  `json:"end_time_unix"`
	InitialLiquidity uint64 `json:"initial_liquidity"`
	CollateralMint   string `json:"collateral_mint"`
}

type resolveMarketRequest struct {
	UserID              string `json:"user_id"`
	IdempotencyKey      string `json:"idempotency_key"`
	WinningOutcomeIndex uint8  `json:"winning_outcome_index"`
}

type tradeRequest struct {
	UserID         string `json:"user_id"`
	IdempotencyKey string `json:"idempotency_key"`
	OutcomeIndex   uint8  `json:"outcome_index"`
	Amount         uint64 `json:"amount"`
	SlippageBps    uint64 `json:"slippage_bps"`
}

type claimRequest struct {
	UserID         string `json:"user_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type marketSummary struct {
	MarketPubkey         string `json:"market_pubkey"`
	VaultPubkey          string `json:"vault_pubkey"`
	VaultAuthorityPubkey string `json:"vault_authority_pubkey"`
	CollateralMint       string `json:"collateral_mint"`
	Question             string `json:"question"`
	EndTimeUnix          int64  `json:"end_time_unix"`
	Status               string `json:"status"`
	WinningOutcomeIndex  *uint8 `json:"winning_outcome_index,omitempty"`
	CreatedTxSignature   string `json:"created_tx_signature,omitempty"`
}

type marketStateResponse struct {
	Slot                       uint64 `json:"slot"`
	MarketID                   uint64 `json:"market_id"`
	Question                   string `json:"question"`
	EndTimeUnix                int64  `json:"end_time_unix"`
	Status                     uint8  `json:"status"`
	WinningOutcome             int8   `json:"winning_outcome"`
	YesPool                    uint64 `json:"yes_pool"`
	NoPool                     uint64 `json:"no_pool"`
	TotalYesShares             uint64 `json:"total_yes_shares"`
	TotalNoShares              uint64 `json:"total_no_shares"`
	ResolvedVaultBalance       uint64 `json:"resolved_vault_balance"`
	ResolvedTotalWinningShares uint64 `json:"resolved_total_winning_shares"`
}

type positionResponse struct {
	Slot      uint64 `json:"slot"`
	Owner     string `json:"owner"`
	YesShares uint64 `json:"yes_shares"`
	NoShares  uint64 `json:"no_shares"`
	Claimed   bool   `json:"claimed"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleMarketsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListMarkets(w, r)
	case http.MethodPost:
		s.handleCreateMarket(w, r)
	default:
		s.respondMethodNotAllowed(w)
	}
}

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r, "limit", 50)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	records, err := s.markets.ListMarkets(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list markets failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	items := make([]marketSummary, 0, len(records))
	for _, record := range records {
		items = append(items, marketSummaryFromRecord(record))
	}
	s.respondJSON(w, http.StatusOK, listResponse[marketSummary]{
		Items:  items,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var request createMarketRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := parseUserID(request.UserID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.markets.CreateMarket(r.Context(), market.CreateMarketCommand{
		UserID:           userID,
		IdempotencyKey:   strings.TrimSpace(request.IdempotencyKey),
		MarketSeedID:     request.MarketSeedID,
		Question:         strings.TrimSpace(request.Question),
		EndTime:          time.Unix(request.EndTimeUnix, 0).UTC(),
		InitialLiquidity: request.InitialLiquidity,
		CollateralMint:   strings.TrimSpace(request.CollateralMint),
	})
	if err != nil {
		s.respondAppError(w, "create market", err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Service) handleMarketSubroutes(w http.ResponseWriter, r *http.Request) {
	pubkey, rest := splitMarketSubroute(r.URL.Path)
	if pubkey == "" {
		s.respondError(w, http.StatusNotFound, "market pubkey is required")
		return
	}

	switch {
	case rest == "state" && r.Method == http.MethodGet:
		s.handleMarketState(w, r, pubkey)
	case strings.HasPrefix(rest, "positions/") && r.Method == http.MethodGet:
		owner := strings.TrimSpace(strings.TrimPrefix(rest, "positions/"))
		s.handleMarketPosition(w, r, pubkey, owner)
	case rest == "resolve" && r.Method == http.MethodPost:
		s.handleResolveMarket(w, r, pubkey)
	case rest == "buy" && r.Method == http.MethodPost:
		s.handleBuyShares(w, r, pubkey)
	case rest == "sell" && r.Method == http.MethodPost:
		s.handleSellShares(w, r, pubkey)
	case rest == "claim" && r.Method == http.MethodPost:
		s.handleClaimWinnings(w, r, pubkey)
	case rest == "state" || rest == "resolve" || rest == "buy" || rest == "sell" || rest == "claim" || strings.HasPrefix(rest, "positions/"):
		s.respondMethodNotAllowed(w)
	default:
		s.respondError(w, http.StatusNotFound, "unknown market route")
	}
}

func (s *Service) handleMarketState(w http.ResponseWriter, r *http.Request, pubkey string) {
	view, err := s.markets.GetMarketState(r.Context(), pubkey)
	if err != nil {
		s.respondAppError(w, "get market state", err)
		return
	}
	s.respondJSON(w, http.StatusOK, marketStateResponseFromView(view))
}

func (s *Service) handleMarketPosition(w http.ResponseWriter, r *http.Request, pubkey, owner string) {
	if owner == "" {
		s.respondError(w, http.StatusBadRequest, "owner pubkey is required")
		return
	}
	view, err := s.markets.GetPosition(r.Context(), pubkey, owner)
	if err != nil {
		s.respondAppError(w, "get position", err)
		return
	}
	s.respondJSON(w, http.StatusOK, positionResponse{
		Slot:      view.Slot,
		Owner:     view.State.Owner.String(),
		YesShares: view.State.YesShares,
		NoShares:  view.State.NoShares,
		Claimed:   view.State.Claimed,
	})
}

func (s *Service) handleResolveMarket(w http.ResponseWriter, r *http.Request, pubkey string) {
	var request resolveMarketRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := parseUserID(request.UserID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.markets.ResolveMarket(r.Context(), market.ResolveMarketCommand{
		UserID:              userID,
		IdempotencyKey:      strings.TrimSpace(request.IdempotencyKey),
		MarketPubkey:        pubkey,
		WinningOutcomeIndex: request.WinningOutcomeIndex,
	})
	if err != nil {
		s.respondAppError(w, "resolve market", err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Service) handleBuyShares(w http.ResponseWriter, r *http.Request, pubkey string) {
	var request tradeRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := parseUserID(request.UserID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.markets.BuyShares(r.Context(), market.TradeCommand{
		UserID:         userID,
		IdempotencyKey: strings.TrimSpace(request.IdempotencyKey),
		MarketPubkey:   pubkey,
		OutcomeIndex:   request.OutcomeIndex,
		Amount:         request.Amount,
		SlippageBps:    request.SlippageBps,
	})
	if err != nil {
		s.respondAppError(w, "buy shares", err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Service) handleSellShares(w http.ResponseWriter, r *http.Request, pubkey string) {
	var request tradeRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := parseUserID(request.UserID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.markets.SellShares(r.Context(), market.TradeCommand{
		UserID:         userID,
		IdempotencyKey: strings.TrimSpace(request.IdempotencyKey),
		MarketPubkey:   pubkey,
		OutcomeIndex:   request.OutcomeIndex,
		Amount:         request.Amount,
		SlippageBps:    request.SlippageBps,
	})
	if err != nil {
		s.respondAppError(w, "sell shares", err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Service) handleClaimWinnings(w http.ResponseWriter, r *http.Request, pubkey string) {
	var request claimRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := parseUserID(request.UserID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.markets.ClaimWinnings(r.Context(), market.ClaimCommand{
		UserID:         userID,
		IdempotencyKey: strings.TrimSpace(request.IdempotencyKey),
		MarketPubkey:   pubkey,
	})
	if err != nil {
		s.respondAppError(w, "claim winnings", err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// respondAppError maps the typed error taxonomy onto HTTP statuses. Program
// errors the chain will never accept again are conflicts; the rest of the
// program errors are the caller's to fix.
func (s *Service) respondAppError(w http.ResponseWriter, op string, err error) {
	var (
		validation *apperr.ValidationError
		notFound   *apperr.NotFoundError
		conflict   *apperr.ConflictError
		inProgress *apperr.ActionInProgressError
		program    *apperr.ProgramError
		timeout    *apperr.ConfirmationTimeoutError
		dependency *apperr.DependencyError
	)
	switch {
	case errors.As(err, &validation):
		s.respondError(w, http.StatusBadRequest, validation.Msg)
	case errors.As(err, &notFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		s.respondError(w, http.StatusConflict, conflict.Msg)
	case errors.As(err, &inProgress):
		s.respondJSON(w, http.StatusConflict, errorResponse{
			Error: err.Error(),
			Code:  "ACTION_IN_PROGRESS",
		})
	case errors.As(err, &program):
		status := http.StatusBadRequest
		if apperr.IsPermanentProgramNumber(program.Number) {
			status = http.StatusConflict
		}
		s.respondJSON(w, status, errorResponse{
			Error: err.Error(),
			Code:  "PROGRAM_ERROR",
			Anchor: &anchorErrorInfo{
				Code:   program.Code,
				Number: program.Number,
			},
		})
	case errors.As(err, &timeout):
		s.respondJSON(w, http.StatusGatewayTimeout, errorResponse{
			Error: err.Error(),
			Code:  "CONFIRMATION_TIMEOUT",
		})
	case errors.As(err, &dependency):
		s.logger.Error(op+" failed", "err", err)
		s.respondJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: "a downstream dependency failed",
			Code:  "DEPENDENCY_ERROR",
		})
	default:
		s.logger.Error(op+" failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func marketSummaryFromRecord(record market.Market) marketSummary {
	return marketSummary{
		MarketPubkey:         record.MarketPubkey,
		VaultPubkey:          record.VaultPubkey,
		VaultAuthorityPubkey: record.VaultAuthorityPubkey,
		CollateralMint:       record.CollateralMintPubkey,
		Question:             record.Question,
		EndTimeUnix:          record.EndTime.Unix(),
		Status:               string(record.Status),
		WinningOutcomeIndex:  record.WinningOutcomeIndex,
		CreatedTxSignature:   record.CreatedTxSignature,
	}
}

func marketStateResponseFromView(view *market.MarketStateView) marketStateResponse {
	return marketStateResponse{
		Slot:                       view.Slot,
		MarketID:                   view.State.MarketID,
		Question:                   view.State.Question,
		EndTimeUnix:                view.State.EndTime,
		Status:                     view.State.Status,
		WinningOutcome:             view.State.WinningOutcome,
		YesPool:                    view.State.YesPool,
		NoPool:                     view.State.NoPool,
		TotalYesShares:             view.State.TotalYesShares,
		TotalNoShares:              view.State.TotalNoShares,
		ResolvedVaultBalance:       view.State.ResolvedVaultBalance,
		ResolvedTotalWinningShares: view.State.ResolvedTotalWinningShares,
	}
}

func splitMarketSubroute(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/markets/"), "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	pubkey := strings.TrimSpace(segments[0])
	if len(segments) == 1 {
		return pubkey, ""
	}
	return pubkey, strings.Join(segments[1:], "/")
}

func parseUserID(raw string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.UUID{}, fmt.Errorf("user_id is required")
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid user_id: %w", err)
	}
	return id, nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
