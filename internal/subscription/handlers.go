package subscription

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/tierpass/internal/auth"
	"github.com/mbd888/tierpass/internal/pagination"
	"github.com/mbd888/tierpass/internal/validation"
	"github.com/mbd888/tierpass/internal/wei"
)

// Handler provides HTTP endpoints for the book.
type Handler struct {
	service *Service
}

// NewHandler creates a new book handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/owner", h.GetOwner)
	r.GET("/treasury", h.GetTreasury)
	r.GET("/tiers", h.ListTiers)
	r.GET("/tiers/:id", h.GetTier)
	r.GET("/tiers/:id/quote", h.GetQuote)
	r.GET("/subscriptions/:tokenId", h.GetSubscription)
	r.GET("/subscriptions/:tokenId/owner", h.GetOwnerOf)
	r.GET("/subscriptions/:tokenId/uri", h.GetTokenURI)
	r.GET("/holders/:address/subscriptions", validation.AddressParamMiddleware(), h.ListHeld)
	r.GET("/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up routes that need a signed caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/tiers", h.AddTier)
	r.PUT("/tiers/:id/price", h.ChangeTierPrice)
	r.PUT("/tiers/:id/enabled", h.EnableTier)
	r.POST("/subscriptions", h.Mint)
	r.POST("/subscriptions/:tokenId/extend", h.Extend)
	r.POST("/subscriptions/:tokenId/transfer", h.Transfer)
	r.POST("/treasury/withdraw", h.Withdraw)
	r.POST("/ownership", h.TransferOwnership)
}

type tierView struct {
	ID         uint64   `json:"id"`
	Name       TierName `json:"name"`
	NameHex    string   `json:"nameHex"`
	Price      string   `json:"price"`
	PriceEther string   `json:"priceEther"`
	Enabled    bool     `json:"enabled"`
}

func viewTier(t *Tier) tierView {
	return tierView{
		ID:         t.ID,
		Name:       t.Name,
		NameHex:    t.Name.Hex(),
		Price:      t.Price.String(),
		PriceEther: wei.FormatEther(t.Price),
		Enabled:    t.Enabled,
	}
}

type subscriptionView struct {
	TokenID     uint64 `json:"tokenId"`
	TierID      uint64 `json:"tierId"`
	StartedTime int64  `json:"startedTime"`
	ExpiredTime int64  `json:"expiredTime"`
	Owner       string `json:"owner"`
	Active      bool   `json:"active"`
}

func (h *Handler) viewSubscription(s *Subscription) subscriptionView {
	return subscriptionView{
		TokenID:     s.TokenID,
		TierID:      s.TierID,
		StartedTime: s.StartedTime,
		ExpiredTime: s.ExpiredTime,
		Owner:       s.Owner.Hex(),
		Active:      s.Live(h.service.Now()),
	}
}

func (h *Handler) respondReceipt(c *gin.Context, status int, r *Receipt) {
	body := gin.H{
		"seq":    r.Seq,
		"op":     r.Op,
		"events": r.Records,
	}
	if r.TxRef != "" {
		body["txRef"] = r.TxRef
	}
	if r.Tier != nil {
		body["tier"] = viewTier(r.Tier)
	}
	if r.Subscription != nil {
		body["subscription"] = h.viewSubscription(r.Subscription)
	}
	c.JSON(status, body)
}

// GetOwner handles GET /v1/owner
func (h *Handler) GetOwner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"owner": h.service.Owner().Hex()})
}

// GetTreasury handles GET /v1/treasury
func (h *Handler) GetTreasury(c *gin.Context) {
	balance, seq := h.service.Treasury()
	c.JSON(http.StatusOK, gin.H{
		"balance":      balance.String(),
		"balanceEther": wei.FormatEther(balance),
		"seq":          seq,
	})
}

// ListTiers handles GET /v1/tiers
func (h *Handler) ListTiers(c *gin.Context) {
	tiers := h.service.Tiers()
	views := make([]tierView, len(tiers))
	for i, t := range tiers {
		views[i] = viewTier(t)
	}
	c.JSON(http.StatusOK, gin.H{"tiers": views, "count": len(views)})
}

// GetTier handles GET /v1/tiers/:id
func (h *Handler) GetTier(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	t, found := h.service.Tier(id)
	if !found {
		respondError(c, ErrInvalidTier)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": viewTier(t)})
}

// GetQuote handles GET /v1/tiers/:id/quote?months=
func (h *Handler) GetQuote(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	months, err := strconv.Atoi(c.DefaultQuery("months", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "months must be an integer"})
		return
	}
	amount, err := h.service.Quote(id, months)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tierId":      id,
		"months":      months,
		"percent":     h.service.Params().Schedule.Percent(months),
		"amount":      amount.String(),
		"amountEther": wei.FormatEther(amount),
	})
}

// GetSubscription handles GET /v1/subscriptions/:tokenId
func (h *Handler) GetSubscription(c *gin.Context) {
	id, ok := uintParam(c, "tokenId")
	if !ok {
		return
	}
	s, found := h.service.Subscription(id)
	if !found {
		respondError(c, ErrInvalidSubscriptionPlan)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": h.viewSubscription(s)})
}

// GetOwnerOf handles GET /v1/subscriptions/:tokenId/owner
func (h *Handler) GetOwnerOf(c *gin.Context) {
	id, ok := uintParam(c, "tokenId")
	if !ok {
		return
	}
	owner, err := h.service.OwnerOf(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokenId": id, "owner": owner.Hex()})
}

// GetTokenURI handles GET /v1/subscriptions/:tokenId/uri
func (h *Handler) GetTokenURI(c *gin.Context) {
	id, ok := uintParam(c, "tokenId")
	if !ok {
		return
	}
	uri, err := h.service.TokenURI(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokenId": id, "uri": uri})
}

// ListHeld handles GET /v1/holders/:address/subscriptions
func (h *Handler) ListHeld(c *gin.Context) {
	holder := common.HexToAddress(c.Param("address"))
	subs := h.service.HeldBy(holder)
	views := make([]subscriptionView, len(subs))
	for i, s := range subs {
		views[i] = h.viewSubscription(s)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": views, "count": len(views)})
}

// ListEvents handles GET /v1/events?since=&cursor=&event=&limit=
//
// cursor comes from a previous page's nextCursor and takes precedence over
// since.
func (h *Handler) ListEvents(c *gin.Context) {
	q := EventQuery{Name: c.Query("event"), Limit: 50}
	if s := c.Query("since"); s != "" {
		since, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "since must be a sequence number"})
			return
		}
		q.AfterSeq = since
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if cursor != nil {
		q.AfterSeq, q.ResumeIndex = cursor.Seq, cursor.Index
		if q.ResumeIndex == 0 && cursor.Seq > 0 {
			// Index 0 of commit Seq is next, i.e. everything after Seq-1.
			q.AfterSeq = cursor.Seq - 1
		}
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = parsed
			if q.Limit > 200 {
				q.Limit = 200
			}
		}
	}

	limit := q.Limit
	q.Limit++
	records, err := h.service.Events(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	records, next, hasMore := pagination.ComputePage(records, limit, func(r *Record) (uint64, int) {
		return r.Seq, r.Index
	})
	if records == nil {
		records = []*Record{}
	}
	body := gin.H{"events": records, "count": len(records), "hasMore": hasMore}
	if hasMore {
		body["nextCursor"] = next
	}
	c.JSON(http.StatusOK, body)
}

type addTierRequest struct {
	Name  string `json:"name" binding:"required"`
	Price string `json:"price" binding:"required"`
}

// AddTier handles POST /v1/tiers
func (h *Handler) AddTier(c *gin.Context) {
	var req addTierRequest
	if !bindJSON(c, &req) {
		return
	}
	name, err := ParseTierName(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	if !validate(c, validation.ValidWei("price", req.Price)) {
		return
	}
	price, _ := wei.ParseWei(req.Price)

	r, err := h.service.AddTier(c.Request.Context(), caller(c), name, price)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReceipt(c, http.StatusCreated, r)
}

type changePriceRequest struct {
	Price string `json:"price" binding:"required"`
}

// ChangeTierPrice handles PUT /v1/tiers/:id/price
func (h *Handler) ChangeTierPrice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req changePriceRequest
	if !bindJSON(c, &req) {
		return
	}
	if !validate(c, validation.ValidWei("price", req.Price)) {
		return
	}
	price, _ := wei.ParseWei(req.Price)

	r, err := h.service.ChangeTierPrice(c.Request.Context(), caller(c), id, price)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReceipt(c, http.StatusOK, r)
}

type enableTierRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// EnableTier handles PUT /v1/tiers/:id/enabled
func (h *Handler) EnableTier(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req enableTierRequest
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.service.EnableTier(c.Request.Context(), caller(c), id, *req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReceipt(c, http.StatusOK, r)
}

type mintRequest struct {
	TierID uint64 `json:"tierId"`
	Months int    `json:"months"`
	Value  string `json:"value"`
	TxHash string `json:"txHash"`
}

// Mint handles POST /v1/subscriptions
func (h *Handler) Mint(c *gin.Context) {
	var req mintRequest
	if !bindJSON(c, &req) {
		return
	}
	pay, ok := payment(c, req.Value, req.TxHash)
	if !ok {
		return
	}
	r, err := h.service.Mint(c.Request.Context(), caller(c), req.TierID, req.Months, pay)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReceipt(c, http.StatusCreated, r)
}

type extendRequest struct {
	Months int    `json:"months"`
	Value  string `json:"value"`
	TxHash string `json:"txHash"`
}

// Extend handles POST /v1/subscriptions/:tokenId/extend
func (h *Handler) Extend(c *gin.Context) {
	id, ok := uintParam(c, "tokenId")
	if !ok {
		return
	}
	var req extendRequest
	if !bindJSON(c, &req) {
		return
	}
	pay, ok := payment(c, req.Value, req.TxHash)
	if !ok {
		return
	}
	r, err := h.service.Extend(c.Request.Context(), caller(c), id, req.Months, pay)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReceipt(c, http.StatusOK, r)
}

type transferRequest struct {
	From string `json:"from"`
	To   string `json:"to" binding:"required"`
}

// Transfer handles POST /v1/subscriptions/:tokenId/transfer
func (h *Handler) Transfer(c *gin.Context) {
	id, ok := uintParam(c, "tokenId")
	if !ok {
		return
	}
	var req transferRequest
	if !bindJSON(c, &req) {
		return
	}
	if !validate(c,
		validation.ValidAddress("from", req.From),
		validation.ValidAddress("to", req.To),
	) {
		return
	}
	from := caller(c)
	if req.From != "" {
		from = common.HexToAddress(req.From)
	}
	r, err := h.service.TransferFrom(c.Request.Context(), caller(c), from, common.HexToAddress(req.To), id)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReceipt(c, http.StatusOK, r)
}

type withdrawRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// Withdraw handles POST /v1/treasury/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if !bindJSON(c, &req) {
		return
	}
	if !validate(c,
		validation.ValidAddress("recipient", req.Recipient),
		validation.ValidWei("amount", req.Amount),
	) {
		return
	}
	amount, _ := wei.ParseWei(req.Amount)
	r, err := h.service.WithdrawEth(c.Request.Context(), caller(c), common.HexToAddress(req.Recipient), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReceipt(c, http.StatusOK, r)
}

type ownershipRequest struct {
	NewOwner string `json:"newOwner" binding:"required"`
}

// TransferOwnership handles POST /v1/ownership
func (h *Handler) TransferOwnership(c *gin.Context) {
	var req ownershipRequest
	if !bindJSON(c, &req) {
		return
	}
	if !validate(c, validation.ValidAddress("newOwner", req.NewOwner)) {
		return
	}
	r, err := h.service.TransferOwnership(c.Request.Context(), caller(c), common.HexToAddress(req.NewOwner))
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondReceipt(c, http.StatusOK, r)
}

func caller(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString(auth.ContextKeyCaller))
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func validate(c *gin.Context, validators ...func() *validation.ValidationError) bool {
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": name + " must be a positive integer",
		})
		return 0, false
	}
	return v, true
}

func payment(c *gin.Context, value, txHash string) (Payment, bool) {
	if !validate(c,
		validation.ValidWei("value", value),
		validation.ValidTxHash("txHash", txHash),
	) {
		return Payment{}, false
	}
	v := new(big.Int)
	if value != "" {
		v, _ = wei.ParseWei(value)
	}
	return Payment{Value: v, TxHash: txHash}, true
}

// revertStatus maps a revert to its HTTP status.
func revertStatus(r *Revert) int {
	switch r {
	case ErrUnauthorized, ErrNotTokenOwner:
		return http.StatusForbidden
	case ErrInvalidTier, ErrInvalidSubscriptionPlan:
		return http.StatusNotFound
	case ErrZeroPrice, ErrInvalidDuration, ErrAddressZero:
		return http.StatusBadRequest
	case ErrTierDisabled, ErrSubscriptionExpired:
		return http.StatusConflict
	case ErrInsufficientFunds:
		return http.StatusPaymentRequired
	case ErrEthWithdrawalFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func respondError(c *gin.Context, err error) {
	var r *Revert
	switch {
	case errors.As(err, &r):
		c.JSON(revertStatus(r), gin.H{"error": r.Reason, "message": err.Error()})
	case errors.Is(err, ErrPaymentRequired):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_required", "message": err.Error()})
	case errors.Is(err, ErrPaymentUnverified):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_unverified", "message": err.Error()})
	case errors.Is(err, ErrPaymentReused):
		c.JSON(http.StatusConflict, gin.H{"error": "payment_reused", "message": err.Error()})
	case errors.Is(err, ErrSeqConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Book changed concurrently, retry"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "timeout", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
