package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tradementor/internal/advisor"
	"github.com/MarkoPoloResearchLab/tradementor/internal/auth"
	"github.com/MarkoPoloResearchLab/tradementor/internal/metrics"
	"github.com/MarkoPoloResearchLab/tradementor/internal/quotes"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/pricing"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/session"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/wallet"
)

const (
	walletHistoryLimit = 20
	listLimit          = 50
)

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Type           string `json:"type"`
	AmountCents    int64  `json:"amount_cents"`
	Purpose        string `json:"purpose"`
	ReferenceID    string `json:"reference_id"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type sessionPayload struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	MentorID        string `json:"mentor_id"`
	Type            string `json:"type"`
	SubscriptionID  string `json:"subscription_id,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	AmountPaidCents int64  `json:"amount_paid_cents"`
	Status          string `json:"status"`
	StartedUnixUTC  int64  `json:"started_unix_utc"`
	ExpiresUnixUTC  int64  `json:"expires_unix_utc"`
}

type subscriptionPayload struct {
	SubscriptionID  string `json:"subscription_id"`
	UserID          string `json:"user_id"`
	MentorID        string `json:"mentor_id"`
	Package         string `json:"package"`
	AmountPaidCents int64  `json:"amount_paid_cents"`
	Status          string `json:"status"`
	StartedUnixUTC  int64  `json:"started_unix_utc"`
	ExpiresUnixUTC  int64  `json:"expires_unix_utc"`
}

type messagePayload struct {
	MessageID      string `json:"message_id"`
	SessionID      string `json:"session_id"`
	SenderID       string `json:"sender_id"`
	Seq            int64  `json:"seq"`
	Content        string `json:"content"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func mapSessionPayload(chatSession session.ChatSession) sessionPayload {
	return sessionPayload{
		SessionID:       chatSession.SessionID,
		UserID:          chatSession.UserID,
		MentorID:        chatSession.MentorID,
		Type:            string(chatSession.Type),
		SubscriptionID:  chatSession.SubscriptionID,
		DurationMinutes: chatSession.DurationMinutes,
		AmountPaidCents: chatSession.AmountPaidCents,
		Status:          string(chatSession.Status),
		StartedUnixUTC:  chatSession.StartedUnixUTC,
		ExpiresUnixUTC:  chatSession.ExpiresUnixUTC,
	}
}

func mapSubscriptionPayload(subscription session.Subscription) subscriptionPayload {
	return subscriptionPayload{
		SubscriptionID:  subscription.SubscriptionID,
		UserID:          subscription.UserID,
		MentorID:        subscription.MentorID,
		Package:         string(subscription.Package),
		AmountPaidCents: subscription.AmountPaidCents,
		Status:          string(subscription.Status),
		StartedUnixUTC:  subscription.StartedUnixUTC,
		ExpiresUnixUTC:  subscription.ExpiresUnixUTC,
	}
}

func mapMessagePayload(message session.Message) messagePayload {
	return messagePayload{
		MessageID:      message.MessageID,
		SessionID:      message.SessionID,
		SenderID:       message.SenderID,
		Seq:            message.Seq,
		Content:        message.Content,
		CreatedUnixUTC: message.CreatedUnixUTC,
	}
}

func mapTransactionPayloads(transactions []wallet.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Type:           transaction.Type.String(),
			AmountCents:    transaction.AmountCents.Int64(),
			Purpose:        transaction.Purpose.String(),
			ReferenceID:    transaction.ReferenceID.String(),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return payloads
}

func principal(ctx *gin.Context) (string, bool) {
	principalID, ok := auth.PrincipalID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing principal"))
	}
	return principalID, ok
}

func (server *Server) principalUserID(ctx *gin.Context) (wallet.UserID, bool) {
	principalID, ok := principal(ctx)
	if !ok {
		return wallet.UserID{}, false
	}
	userID, err := wallet.NewUserID(principalID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid principal"))
		return wallet.UserID{}, false
	}
	return userID, true
}

// --- wallet ---

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, ok := server.principalUserID(ctx)
	if !ok {
		return
	}
	balance, err := server.wallets.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	transactions, err := server.wallets.ListTransactions(ctx.Request.Context(), userID, 0, walletHistoryLimit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance_cents": balance.Int64(),
		"transactions":  mapTransactionPayloads(transactions),
	})
}

type rechargeRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

func (server *Server) handleRecharge(ctx *gin.Context) {
	userID, ok := server.principalUserID(ctx)
	if !ok {
		return
	}
	var request rechargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	paymentID, err := server.booking.Recharge(ctx.Request.Context(), userID.String(), request.AmountCents)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metrics.RecordRecharge()
	balance, err := server.wallets.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"payment_id":    paymentID,
		"balance_cents": balance.Int64(),
	})
}

func (server *Server) handleListTransactions(ctx *gin.Context) {
	userID, ok := server.principalUserID(ctx)
	if !ok {
		return
	}
	beforeUnixUTC, _ := strconv.ParseInt(ctx.Query("before_unix_utc"), 10, 64)
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(walletHistoryLimit)))
	transactions, err := server.wallets.ListTransactions(ctx.Request.Context(), userID, beforeUnixUTC, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": mapTransactionPayloads(transactions)})
}

// --- sessions ---

type openSessionRequest struct {
	MentorID        string `json:"mentor_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (server *Server) handleOpenQuickSession(ctx *gin.Context) {
	principalID, ok := principal(ctx)
	if !ok {
		return
	}
	var request openSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	chatSession, err := server.booking.OpenQuickSession(ctx.Request.Context(), principalID, request.MentorID, request.DurationMinutes)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metrics.RecordSessionOpened(string(chatSession.Type))
	metrics.RecordDebit(wallet.PurposeChatSession.String())
	ctx.JSON(http.StatusCreated, gin.H{"session": mapSessionPayload(chatSession)})
}

func (server *Server) handleListSessions(ctx *gin.Context) {
	principalID, ok := principal(ctx)
	if !ok {
		return
	}
	sessions, err := server.store.ListSessionsForPrincipal(ctx.Request.Context(), principalID, listLimit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]sessionPayload, 0, len(sessions))
	for _, chatSession := range sessions {
		payloads = append(payloads, mapSessionPayload(chatSession))
	}
	ctx.JSON(http.StatusOK, gin.H{"sessions": payloads})
}

func (server *Server) participantSession(ctx *gin.Context) (session.ChatSession, bool) {
	principalID, ok := principal(ctx)
	if !ok {
		return session.ChatSession{}, false
	}
	chatSession, err := server.store.GetSession(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return session.ChatSession{}, false
	}
	if !chatSession.HasParticipant(principalID) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "principal is not a participant"))
		return session.ChatSession{}, false
	}
	return chatSession, true
}

func (server *Server) handleGetSession(ctx *gin.Context) {
	chatSession, ok := server.participantSession(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": mapSessionPayload(chatSession)})
}

func (server *Server) handleCompleteSession(ctx *gin.Context) {
	principalID, ok := principal(ctx)
	if !ok {
		return
	}
	if err := server.booking.CompleteSession(ctx.Request.Context(), ctx.Param("id"), principalID); err != nil {
		server.respondError(ctx, err)
		return
	}
	chatSession, err := server.store.GetSession(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": mapSessionPayload(chatSession)})
}

// --- messages ---

type postMessageRequest struct {
	Content string `json:"content"`
}

func (server *Server) handlePostMessage(ctx *gin.Context) {
	principalID, ok := principal(ctx)
	if !ok {
		return
	}
	var request postMessageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	message, err := server.feed.Post(ctx.Request.Context(), ctx.Param("id"), principalID, request.Content)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metrics.RecordMessagePosted()
	ctx.JSON(http.StatusCreated, gin.H{"message": mapMessagePayload(message)})
}

func (server *Server) handleListMessages(ctx *gin.Context) {
	chatSession, ok := server.participantSession(ctx)
	if !ok {
		return
	}
	afterSeq, _ := strconv.ParseInt(ctx.Query("after_seq"), 10, 64)
	messages, err := server.store.ListMessagesAfterSeq(ctx.Request.Context(), chatSession.SessionID, afterSeq, 0)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, mapMessagePayload(message))
	}
	ctx.JSON(http.StatusOK, gin.H{"messages": payloads})
}

func (server *Server) handleStreamMessages(ctx *gin.Context) {
	chatSession, ok := server.participantSession(ctx)
	if !ok {
		return
	}
	messages, cancel, err := server.feed.Subscribe(ctx.Request.Context(), chatSession.SessionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	defer cancel()

	ctx.Writer.Header().Set("Content-Type", "text/event-stream")
	ctx.Writer.Header().Set("Cache-Control", "no-cache")
	ctx.Writer.Header().Set("Connection", "keep-alive")

	ctx.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-messages:
			if !open {
				return false
			}
			payload, err := json.Marshal(mapMessagePayload(message))
			if err != nil {
				return false
			}
			ctx.SSEvent("message", string(payload))
			return true
		case <-ctx.Request.Context().Done():
			return false
		}
	})
}

// --- subscriptions ---

type purchaseSubscriptionRequest struct {
	MentorID string `json:"mentor_id"`
	Package  string `json:"package"`
}

func (server *Server) handlePurchaseSubscription(ctx *gin.Context) {
	principalID, ok := principal(ctx)
	if !ok {
		return
	}
	var request purchaseSubscriptionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	subscription, err := server.booking.PurchaseSubscription(ctx.Request.Context(), principalID, request.MentorID, session.PackageType(request.Package))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metrics.RecordSubscriptionPurchased(string(subscription.Package))
	metrics.RecordDebit(wallet.PurposeSubscription.String())
	ctx.JSON(http.StatusCreated, gin.H{"subscription": mapSubscriptionPayload(subscription)})
}

func (server *Server) handleListSubscriptions(ctx *gin.Context) {
	principalID, ok := principal(ctx)
	if !ok {
		return
	}
	subscriptions, err := server.store.ListSubscriptionsForUser(ctx.Request.Context(), principalID, listLimit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]subscriptionPayload, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		payloads = append(payloads, mapSubscriptionPayload(subscription))
	}
	ctx.JSON(http.StatusOK, gin.H{"subscriptions": payloads})
}

func (server *Server) handleOpenSubscriptionSession(ctx *gin.Context) {
	principalID, ok := principal(ctx)
	if !ok {
		return
	}
	chatSession, err := server.booking.OpenSubscriptionSession(ctx.Request.Context(), principalID, ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metrics.RecordSessionOpened(string(chatSession.Type))
	ctx.JSON(http.StatusCreated, gin.H{"session": mapSessionPayload(chatSession)})
}

// --- mentor rates ---

type ratesRequest struct {
	Quick10Cents  int64 `json:"quick_10_cents"`
	Quick20Cents  int64 `json:"quick_20_cents"`
	SubWeekCents  int64 `json:"sub_week_cents"`
	SubMonthCents int64 `json:"sub_month_cents"`
}

func (server *Server) handlePutRates(ctx *gin.Context) {
	principalID, ok := principal(ctx)
	if !ok {
		return
	}
	var request ratesRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	mentorID, err := pricing.NewMentorID(principalID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	sheet := pricing.RateSheet{
		MentorID:      mentorID,
		Quick10Cents:  request.Quick10Cents,
		Quick20Cents:  request.Quick20Cents,
		SubWeekCents:  request.SubWeekCents,
		SubMonthCents: request.SubMonthCents,
	}
	if err := server.pricer.SetRates(ctx.Request.Context(), sheet); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rates": request})
}

func (server *Server) handleGetRates(ctx *gin.Context) {
	mentorID, err := pricing.NewMentorID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	sheet, err := server.rates.GetRateSheet(ctx.Request.Context(), mentorID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rates": ratesRequest{
		Quick10Cents:  sheet.Quick10Cents,
		Quick20Cents:  sheet.Quick20Cents,
		SubWeekCents:  sheet.SubWeekCents,
		SubMonthCents: sheet.SubMonthCents,
	}})
}

// --- collaborators ---

type advisorRequest struct {
	Prompt string `json:"prompt"`
}

func (server *Server) handleAdvisor(ctx *gin.Context) {
	if server.advisor == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("advisor_unavailable", "advisor is not configured"))
		return
	}
	var request advisorRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	answer, err := server.advisor.Ask(ctx.Request.Context(), request.Prompt)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"answer": answer})
	case errors.Is(err, advisor.ErrEmptyPrompt), errors.Is(err, advisor.ErrPromptTooLong):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_prompt", err.Error()))
	case errors.Is(err, advisor.ErrMissingAPIKey):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("advisor_unavailable", "advisor is not configured"))
	default:
		server.logger.Warn("advisor call failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("advisor_failed", "advisor unavailable"))
	}
}

func (server *Server) handleQuote(ctx *gin.Context) {
	if server.quotes == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("quotes_unavailable", "quotes are not configured"))
		return
	}
	quote, err := server.quotes.Latest(ctx.Request.Context(), ctx.Param("symbol"))
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"quote": quote})
	case errors.Is(err, quotes.ErrInvalidSymbol):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_symbol", err.Error()))
	case errors.Is(err, quotes.ErrQuoteNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("quote_not_found", err.Error()))
	default:
		server.logger.Warn("quote call failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("quotes_failed", "quote upstream unavailable"))
	}
}
