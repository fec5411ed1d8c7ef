// Package httpserver exposes the points ledger over an authenticated JSON API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leadloop/points/internal/reward"
	"github.com/leadloop/points/pkg/points"
)

// Server hosts the HTTP API in front of the ledger service.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	ledger  *points.Service
	granter *reward.Granter
	router  *gin.Engine
}

// New wires the router and handlers.
func New(cfg Config, ledger *points.Service, granter *reward.Granter, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &Server{
		cfg:     cfg,
		logger:  logger,
		ledger:  ledger,
		granter: granter,
	}
	server.router = server.setupRouter()
	return server, nil
}

// Handler exposes the router for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until the context is canceled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(server.cfg.TokenSigningKey), server.cfg.TokenIssuer))

	api.POST("/points/bootstrap", server.handleBootstrap)
	api.GET("/points/balance", server.handleBalance)
	api.POST("/points/spend", server.handleSpend)
	api.POST("/points/earn", server.handleEarn)
	api.GET("/points/transactions", server.handleListTransactions)

	api.POST("/referral/grant-reward", server.handleGrantReward)
	api.GET("/referral/rewards/:id", server.handleGetReward)

	return router
}

func (server *Server) handleBootstrap(ctx *gin.Context) {
	userID, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	balance, err := server.ledger.Bootstrap(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "bootstrap", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "balance": balance.Credits.Int64()})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	balance, err := server.ledger.GetBalance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "balance": balance.Credits.Int64()})
}

func (server *Server) handleSpend(ctx *gin.Context) {
	userID, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload"))
		return
	}
	amount, err := points.NewPositiveAmount(request.Amount)
	if err != nil {
		server.respondError(ctx, "spend", err)
		return
	}
	description, err := points.NewDescription(request.Description)
	if err != nil {
		server.respondError(ctx, "spend", err)
		return
	}
	idempotencyKey, err := points.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		server.respondError(ctx, "spend", err)
		return
	}
	references := points.ReferenceIDs{
		LeadID:     request.LeadID,
		MessageID:  request.MessageID,
		CampaignID: request.CampaignID,
	}

	balance, err := server.ledger.Spend(ctx.Request.Context(), userID, amount, description, idempotencyKey, references)
	if err != nil {
		server.respondError(ctx, "spend", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "balance": balance.Credits.Int64()})
}

func (server *Server) handleEarn(ctx *gin.Context) {
	userID, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	var request earnRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload"))
		return
	}
	amount, err := points.NewPositiveAmount(request.Amount)
	if err != nil {
		server.respondError(ctx, "earn", err)
		return
	}
	description, err := points.NewDescription(request.Description)
	if err != nil {
		server.respondError(ctx, "earn", err)
		return
	}
	source := points.ActionEarn
	if request.SourceType != "" {
		source, err = points.ParseActionType(request.SourceType)
		if err != nil {
			server.respondError(ctx, "earn", err)
			return
		}
	}
	var idempotencyKey points.IdempotencyKey
	if request.IdempotencyKey != "" {
		idempotencyKey, err = points.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			server.respondError(ctx, "earn", err)
			return
		}
	}
	references := points.ReferenceIDs{
		LeadID:     request.LeadID,
		MessageID:  request.MessageID,
		CampaignID: request.CampaignID,
	}

	balance, err := server.ledger.Earn(ctx.Request.Context(), userID, amount, description, source, idempotencyKey, references)
	if err != nil {
		server.respondError(ctx, "earn", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "balance": balance.Credits.Int64()})
}

func (server *Server) handleListTransactions(ctx *gin.Context) {
	userID, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	var filter points.TransactionFilter
	if rawType := ctx.Query("type"); rawType != "" {
		action, err := points.ParseActionType(rawType)
		if err != nil {
			server.respondError(ctx, "transactions", err)
			return
		}
		filter.Action = action
	}
	var parseErr error
	filter.FromUnixUTC = queryInt64(ctx, "from", &parseErr)
	filter.ToUnixUTC = queryInt64(ctx, "to", &parseErr)
	limit := queryInt64(ctx, "limit", &parseErr)
	offset := queryInt64(ctx, "offset", &parseErr)
	if parseErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request"))
		return
	}

	page, err := points.NewPage(int(limit), int(offset))
	if err != nil {
		server.respondError(ctx, "transactions", err)
		return
	}

	transactions, total, err := server.ledger.ListTransactions(ctx.Request.Context(), userID, filter, page)
	if err != nil {
		server.respondError(ctx, "transactions", err)
		return
	}
	summary, err := server.ledger.Summarize(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "transactions", err)
		return
	}

	items := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		items = append(items, transactionPayloadFrom(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"items": items,
		"total": total,
		"summary": gin.H{
			"totalSpent":     summary.TotalSpent,
			"totalEarned":    summary.TotalEarned,
			"totalPurchased": summary.TotalPurchased,
		},
	})
}

func (server *Server) handleGrantReward(ctx *gin.Context) {
	callerID, ok := server.requireUser(ctx)
	if !ok {
		return
	}
	var request grantRewardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload"))
		return
	}
	userID := callerID
	if request.UserID != "" {
		parsed, err := points.NewUserID(request.UserID)
		if err != nil {
			server.respondError(ctx, "grant_reward", err)
			return
		}
		userID = parsed
	}
	rewardType, err := reward.NewType(request.RewardType)
	if err != nil {
		server.respondError(ctx, "grant_reward", err)
		return
	}
	value, err := points.NewPositiveAmount(request.Value)
	if err != nil {
		server.respondError(ctx, "grant_reward", err)
		return
	}

	granted, err := server.granter.GrantReferralReward(ctx.Request.Context(), userID, rewardType, value, request.TTLSeconds)
	if err != nil {
		server.respondError(ctx, "grant_reward", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"rewardId":  granted.ID,
		"expiresAt": granted.ExpiresUnixUTC,
		"status":    granted.Status.String(),
	})
}

func (server *Server) handleGetReward(ctx *gin.Context) {
	if _, ok := server.requireUser(ctx); !ok {
		return
	}
	granted, err := server.granter.GetReward(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, "get_reward", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "reward": rewardPayloadFrom(granted)})
}

func (server *Server) requireUser(ctx *gin.Context) (points.UserID, bool) {
	raw, ok := authenticatedUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized"))
		return points.UserID{}, false
	}
	userID, err := points.NewUserID(raw)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized"))
		return points.UserID{}, false
	}
	return userID, true
}

// respondError maps domain errors onto HTTP statuses. Refused spends answer
// 402 with an insufficientPoints marker so clients can prompt a top-up
// instead of showing a generic failure.
func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, points.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"ok":                 false,
			"error":              "insufficient_points",
			"insufficientPoints": true,
		})
	case errors.Is(err, points.ErrNotFound), errors.Is(err, reward.ErrUnknownReward):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found"))
	case errors.Is(err, points.ErrInvalidUserID),
		errors.Is(err, points.ErrInvalidIdempotencyKey),
		errors.Is(err, points.ErrInvalidAmount),
		errors.Is(err, points.ErrInvalidActionType),
		errors.Is(err, points.ErrInvalidDescription),
		errors.Is(err, points.ErrInvalidListLimit),
		errors.Is(err, reward.ErrInvalidType):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request"))
	default:
		server.logger.Error("operation failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal"))
	}
}

// queryInt64 parses an optional integer query parameter. A malformed value
// records an error in parseErr so the handler can refuse the request instead
// of silently treating it as absent.
func queryInt64(ctx *gin.Context, name string, parseErr *error) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*parseErr = fmt.Errorf("query parameter %s: %w", name, err)
		return 0
	}
	return value
}

func errorResponse(code string) gin.H {
	return gin.H{
		"ok":    false,
		"error": code,
	}
}

type spendRequest struct {
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotencyKey"`
	LeadID         string `json:"leadId"`
	MessageID      string `json:"messageId"`
	CampaignID     string `json:"campaignId"`
}

type earnRequest struct {
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	SourceType     string `json:"sourceType"`
	IdempotencyKey string `json:"idempotencyKey"`
	LeadID         string `json:"leadId"`
	MessageID      string `json:"messageId"`
	CampaignID     string `json:"campaignId"`
}

type grantRewardRequest struct {
	UserID     string `json:"userId"`
	RewardType string `json:"rewardType"`
	Value      int64  `json:"value"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

type transactionPayload struct {
	ID             string `json:"id"`
	Action         string `json:"action"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	LeadID         string `json:"leadId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	CampaignID     string `json:"campaignId,omitempty"`
	BalanceAfter   int64  `json:"balanceAfter"`
	IdempotencyKey string `json:"idempotencyKey"`
	CreatedAt      int64  `json:"createdAt"`
}

func transactionPayloadFrom(transaction points.Transaction) transactionPayload {
	return transactionPayload{
		ID:             transaction.ID,
		Action:         transaction.Action.String(),
		Amount:         transaction.Amount.Int64(),
		Description:    transaction.Description.String(),
		LeadID:         transaction.References.LeadID,
		MessageID:      transaction.References.MessageID,
		CampaignID:     transaction.References.CampaignID,
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		IdempotencyKey: transaction.IdempotencyKey.String(),
		CreatedAt:      transaction.CreatedUnixUTC,
	}
}

type rewardPayload struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Value      int64  `json:"value"`
	Status     string `json:"status"`
	GrantedAt  int64  `json:"grantedAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	ConsumedAt int64  `json:"consumedAt,omitempty"`
}

func rewardPayloadFrom(granted reward.Reward) rewardPayload {
	return rewardPayload{
		ID:         granted.ID,
		Type:       granted.Type.String(),
		Value:      granted.Value.Int64(),
		Status:     granted.Status.String(),
		GrantedAt:  granted.GrantedUnixUTC,
		ExpiresAt:  granted.ExpiresUnixUTC,
		ConsumedAt: granted.ConsumedUnixUTC,
	}
}
