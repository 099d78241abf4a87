package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/pkg/jobs"
)

const noticeJobType = "enroll_decision_notice"

// Notice tells an applicant their request was decided. It never carries a
// password; accepted applicants get their credentials from an administrator.
type Notice struct {
	RequestID int64
	Email     string
	FirstName string
	Status    models.EnrollmentStatus
	Username  string
}

// NoticeSender delivers a notice to the applicant.
type NoticeSender interface {
	Send(ctx context.Context, notice Notice) error
}

// LogSender records notices in the service log. Delivery channels (mail,
// SMS) plug in as other NoticeSender implementations.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notice) error {
	s.logger.Info("applicant notified",
		zap.Int64("request_id", n.RequestID),
		zap.String("recipient", maskEmail(n.Email)),
		zap.String("status", string(n.Status)),
		zap.String("username", n.Username),
	)
	return nil
}

// NotificationConfig sizes the worker pool.
type NotificationConfig struct {
	Enabled    bool
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// NotificationService queues applicant notices on a background worker pool.
type NotificationService struct {
	queue   *jobs.Queue
	enabled bool
	logger  *zap.Logger
}

// NewNotificationService wires sender behind a jobs.Queue.
func NewNotificationService(sender NoticeSender, cfg NotificationConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = NewLogSender(logger)
	}
	handler := func(ctx context.Context, job jobs.Job) error {
		notice, ok := job.Payload.(Notice)
		if !ok {
			logger.Error("unexpected notice payload", zap.String("job_id", job.ID))
			return nil
		}
		return sender.Send(ctx, notice)
	}
	queue := jobs.NewQueue("notifications", handler, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return &NotificationService{queue: queue, enabled: cfg.Enabled, logger: logger}
}

// Start launches the workers when notifications are enabled.
func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || !s.enabled {
		return
	}
	s.queue.Start(ctx)
}

// Stop drains the worker pool.
func (s *NotificationService) Stop() {
	if s == nil {
		return
	}
	s.queue.Stop()
}

// Queue exposes the underlying queue for metrics.
func (s *NotificationService) Queue() *jobs.Queue {
	if s == nil {
		return nil
	}
	return s.queue
}

// Notify enqueues a notice. It never blocks on delivery.
func (s *NotificationService) Notify(_ context.Context, n Notice) error {
	if s == nil || !s.enabled {
		return nil
	}
	return s.queue.Enqueue(jobs.Job{
		ID:      fmt.Sprintf("enroll-%s-%s", strconv.FormatInt(n.RequestID, 10), n.Status),
		Type:    noticeJobType,
		Payload: n,
	})
}

func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
