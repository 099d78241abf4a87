package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/pkg/export"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
)

type enrollmentLister interface {
	List(ctx context.Context, status string) ([]models.EnrollmentRequest, error)
}

// ExportFile is a rendered download.
type ExportFile struct {
	Filename    string
	ContentType string
	Payload     []byte
}

var enrollExportHeaders = []string{"id", "status", "first_name", "last_name", "email", "program", "year_level", "contact", "created_at", "decided_at"}

// ExportService renders enroll request listings for administrators.
type ExportService struct {
	requests enrollmentLister
	logger   *zap.Logger
	now      func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(requests enrollmentLister, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{requests: requests, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// EnrollRequests renders requests with the given status as csv or pdf.
func (s *ExportService) EnrollRequests(ctx context.Context, status, format string) (*ExportFile, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "format must be csv or pdf")
	}

	requests, err := s.requests.List(ctx, status)
	if err != nil {
		return nil, err
	}

	label := status
	if label == "" {
		label = string(models.EnrollmentStatusPending)
	}
	data := buildEnrollDataset(requests, label)

	payload, err := export.For(f).Render(data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	s.logger.Info("enroll requests exported", zap.String("status", label), zap.String("format", string(f)), zap.Int("rows", len(requests)))
	return &ExportFile{
		Filename:    fmt.Sprintf("enroll-requests-%s-%s%s", label, s.now().Format("20060102"), f.Extension()),
		ContentType: f.ContentType(),
		Payload:     payload,
	}, nil
}

func buildEnrollDataset(requests []models.EnrollmentRequest, label string) export.Dataset {
	rows := make([]map[string]string, 0, len(requests))
	for _, r := range requests {
		rows = append(rows, map[string]string{
			"id":         strconv.FormatInt(r.ID, 10),
			"status":     string(r.Status),
			"first_name": r.FirstName,
			"last_name":  r.LastName,
			"email":      r.Email,
			"program":    r.Program,
			"year_level": r.YearLevel,
			"contact":    r.Contact,
			"created_at": r.CreatedAt.UTC().Format(time.RFC3339),
			"decided_at": formatReportTime(r.DecidedAt),
		})
	}
	return export.Dataset{
		Title:   "Enrollment requests (" + label + ")",
		Headers: enrollExportHeaders,
		Rows:    rows,
	}
}

func formatReportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
