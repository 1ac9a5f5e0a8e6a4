package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/uni-enroll-api/internal/models"
	"github.com/noah-isme/uni-enroll-api/internal/service"
	"github.com/noah-isme/uni-enroll-api/pkg/response"
)

// EnrollmentHandler exposes enrollment administration endpoints.
type EnrollmentHandler struct {
	enrollments *service.EnrollmentService
	receipts    *service.ReceiptService
}

// NewEnrollmentHandler constructs EnrollmentHandler. receipts may be nil when
// the feature is disabled.
func NewEnrollmentHandler(enrollments *service.EnrollmentService, receipts *service.ReceiptService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, receipts: receipts}
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param academicYear query string false "Filter by academic year"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var filter models.EnrollmentFilter
	filter.StudentID = c.Query("studentId")
	filter.AcademicYear = c.Query("academicYear")
	filter.Status = models.EnrollmentStatus(c.Query("status"))
	filter.PaymentStatus = models.EnrollmentPaymentStatus(c.Query("paymentStatus"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	enrollments, pagination, err := h.enrollments.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get one enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	detail, err := h.enrollments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Validate godoc
// @Summary Validate an enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/validate [put]
func (h *EnrollmentHandler) Validate(c *gin.Context) {
	adminID := ""
	if claims := claimsFromContext(c); claims != nil {
		adminID = claims.UserID
	}
	detail, err := h.enrollments.Validate(c.Request.Context(), c.Param("id"), adminID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Cancel godoc
// @Summary Cancel an enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/cancel [put]
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	adminID := ""
	if claims := claimsFromContext(c); claims != nil {
		adminID = claims.UserID
	}
	detail, err := h.enrollments.Cancel(c.Request.Context(), c.Param("id"), adminID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.receipts != nil {
		// A cancelled enrollment must not keep serving its receipt.
		_ = h.receipts.Remove(detail.ID)
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Export godoc
// @Summary Export enrollments for a year as CSV
// @Tags Enrollments
// @Produce text/csv
// @Param academicYear query string true "Academic year"
// @Success 200 {file} file
// @Router /enrollments/export [get]
func (h *EnrollmentHandler) Export(c *gin.Context) {
	data, filename, err := h.enrollments.ExportCSV(c.Request.Context(), c.Query("academicYear"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "text/csv", data)
}

// Stats godoc
// @Summary Enrollment statistics for a year
// @Tags Enrollments
// @Produce json
// @Param academicYear query string true "Academic year"
// @Success 200 {object} response.Envelope
// @Router /enrollments/stats [get]
func (h *EnrollmentHandler) Stats(c *gin.Context) {
	stats, err := h.enrollments.Stats(c.Request.Context(), c.Query("academicYear"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// ReceiptURL godoc
// @Summary Get a signed download token for an enrollment receipt
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/receipt [get]
func (h *EnrollmentHandler) ReceiptURL(c *gin.Context) {
	if h.receipts == nil {
		c.Status(http.StatusNotFound)
		return
	}
	token, expiresAt, err := h.receipts.DownloadToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"token": token, "expires_at": expiresAt}, nil)
}

// DownloadReceipt godoc
// @Summary Download a receipt with a signed token
// @Tags Enrollments
// @Produce application/pdf
// @Param token query string true "Signed token"
// @Success 200 {file} file
// @Router /receipts/download [get]
func (h *EnrollmentHandler) DownloadReceipt(c *gin.Context) {
	if h.receipts == nil {
		c.Status(http.StatusNotFound)
		return
	}
	file, err := h.receipts.OpenByToken(c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck
	modTime := time.Now()
	if info, err := file.Stat(); err == nil {
		modTime = info.ModTime()
	}
	c.Header("Content-Disposition", "attachment; filename=receipt.pdf")
	http.ServeContent(c.Writer, c.Request, "receipt.pdf", modTime, file)
}
