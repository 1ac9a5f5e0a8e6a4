package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	"github.com/noah-isme/uni-enroll-api/internal/service"
	"github.com/noah-isme/uni-enroll-api/pkg/response"
)

// TransactionHandler serves the read-only payment ledger.
type TransactionHandler struct {
	transactions *service.TransactionService
}

func NewTransactionHandler(transactions *service.TransactionService) *TransactionHandler {
	return &TransactionHandler{transactions: transactions}
}

// List godoc
// @Summary List payment transactions
// @Tags Transactions
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param academicYear query string false "Filter by academic year"
// @Param operator query string false "Filter by operator"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /transactions [get]
func (h *TransactionHandler) List(c *gin.Context) {
	var filter models.TransactionFilter
	filter.StudentID = c.Query("studentId")
	filter.AcademicYear = c.Query("academicYear")
	filter.Operator = c.Query("operator")
	filter.Status = models.PaymentStatus(c.Query("status"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	transactions, pagination, err := h.transactions.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transactions, pagination)
}

// Get godoc
// @Summary Get a transaction by operator transaction ID
// @Tags Transactions
// @Produce json
// @Param transactionId path string true "Operator transaction ID"
// @Success 200 {object} response.Envelope
// @Router /transactions/{transactionId} [get]
func (h *TransactionHandler) Get(c *gin.Context) {
	transaction, err := h.transactions.Get(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transaction, nil)
}
