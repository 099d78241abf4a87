package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/service"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
	"github.com/noah-isme/csta-portal-api/pkg/response"
)

type enrollmentService interface {
	Submit(ctx context.Context, req models.SubmitEnrollmentRequest) (*models.SubmitEnrollmentResponse, error)
	List(ctx context.Context, status string) ([]models.EnrollmentRequest, error)
	Get(ctx context.Context, id int64) (*models.EnrollmentRequest, error)
	Accept(ctx context.Context, id int64, actor service.Actor) (*models.CredentialBundle, error)
	Reject(ctx context.Context, id int64, actor service.Actor) error
}

type enrollmentExporter interface {
	EnrollRequests(ctx context.Context, status, format string) (*service.ExportFile, error)
}

// EnrollmentHandler exposes the public enroll form and the admin review queue.
type EnrollmentHandler struct {
	enrollments enrollmentService
	exports     enrollmentExporter
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService, exports enrollmentExporter) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, exports: exports}
}

// Submit godoc
// @Summary Submit an enroll request
// @Tags Enrollment
// @Accept json,x-www-form-urlencoded
// @Produce json
// @Param payload body models.SubmitEnrollmentRequest true "Applicant details"
// @Success 201 {object} response.Envelope{data=models.SubmitEnrollmentResponse}
// @Failure 400 {object} response.Envelope
// @Router /enroll [post]
func (h *EnrollmentHandler) Submit(c *gin.Context) {
	var req models.SubmitEnrollmentRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid enroll payload"))
		return
	}

	res, err := h.enrollments.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// List godoc
// @Summary List enroll requests
// @Tags Enrollment
// @Produce json
// @Security BearerAuth
// @Param status query string false "pending (default), accepted, rejected or all"
// @Success 200 {object} response.Envelope{data=[]models.EnrollmentRequest}
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/enroll_requests [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	requests, err := h.enrollments.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, map[string]interface{}{"total": len(requests)})
}

// Get godoc
// @Summary Get an enroll request
// @Tags Enrollment
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope{data=models.EnrollmentRequest}
// @Failure 404 {object} response.Envelope
// @Router /admin/enroll_requests/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	req, err := h.enrollments.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req)
}

// Accept godoc
// @Summary Accept an enroll request
// @Description Creates the student account and returns its one-time credentials.
// @Tags Enrollment
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope{data=models.CredentialBundle}
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/enroll_requests/{id}/accept [post]
func (h *EnrollmentHandler) Accept(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	bundle, err := h.enrollments.Accept(c.Request.Context(), id, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, bundle)
}

// Reject godoc
// @Summary Reject an enroll request
// @Tags Enrollment
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/enroll_requests/{id}/reject [post]
func (h *EnrollmentHandler) Reject(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	if err := h.enrollments.Reject(c.Request.Context(), id, actorFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"status": "ok"})
}

// Export godoc
// @Summary Export enroll requests
// @Tags Enrollment
// @Produce text/csv,application/pdf
// @Security BearerAuth
// @Param status query string false "pending (default), accepted, rejected or all"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /admin/enroll_requests/export [get]
func (h *EnrollmentHandler) Export(c *gin.Context) {
	file, err := h.exports.EnrollRequests(c.Request.Context(), c.Query("status"), c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Payload)
}

func requestID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "enroll request not found"))
		return 0, false
	}
	return id, true
}
