package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/uni-enroll-api/internal/dto"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
	"github.com/noah-isme/uni-enroll-api/pkg/response"
)

type paymentService interface {
	Initiate(ctx context.Context, req dto.InitiatePaymentRequest) (*dto.PaymentAttempt, error)
	CheckStatus(ctx context.Context, transactionID string) (*dto.PaymentOutcome, error)
	HandleCallback(ctx context.Context, req dto.CallbackRequest) (*dto.PaymentOutcome, error)
}

// PaymentHandler exposes the enrollment payment endpoints.
type PaymentHandler struct {
	payments paymentService
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(payments paymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// Initiate godoc
// @Summary Start a mobile money enrollment payment
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body dto.InitiatePaymentRequest true "Payment payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /payments/initiate [post]
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req dto.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	attempt, err := h.payments.Initiate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if attempt.Reused {
		response.JSON(c, http.StatusConflict, attempt, nil, map[string]interface{}{
			"code":    appErrors.ErrPaymentInProgress.Code,
			"message": appErrors.ErrPaymentInProgress.Message,
		})
		return
	}
	response.Created(c, attempt)
}

// CheckStatus godoc
// @Summary Poll the outcome of a payment attempt
// @Tags Payments
// @Produce json
// @Param transactionId path string true "Transaction ID"
// @Success 200 {object} response.Envelope
// @Router /payments/{transactionId}/status [get]
func (h *PaymentHandler) CheckStatus(c *gin.Context) {
	outcome, err := h.payments.CheckStatus(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcome, nil)
}

// Callback godoc
// @Summary Operator webhook for payment confirmations
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body dto.CallbackRequest true "Callback payload"
// @Success 200 {object} response.Envelope
// @Router /payments/callback [post]
func (h *PaymentHandler) Callback(c *gin.Context) {
	var req dto.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	outcome, err := h.payments.HandleCallback(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcome, nil)
}
