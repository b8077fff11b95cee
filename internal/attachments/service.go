package attachments

import (
	"context"
	"errors"
	"io"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/attachd/internal/clock"
	"pkt.systems/attachd/internal/delivery"
	"pkt.systems/attachd/internal/ids"
	"pkt.systems/attachd/internal/svclog"
)

// Upload describes a new attachment.
type Upload struct {
	// Title overrides the title derived from Name.
	Title string
	// Name is the client supplied file name.
	Name         string
	ContextClass string
	ContextID    string
	Body         io.Reader
}

// Service creates, reads and removes attachments and delivers their content.
type Service struct {
	records   Records
	ingester  *Ingester
	deliverer *delivery.Deliverer
	clock     clock.Clock
	logger    pslog.Logger
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source for record timestamps.
func WithClock(c clock.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService wires records, ingestion and delivery together.
func NewService(records Records, ingester *Ingester, deliverer *delivery.Deliverer, opts ...ServiceOption) *Service {
	s := &Service{records: records, ingester: ingester, deliverer: deliverer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.clock = clock.OrReal(s.clock)
	s.logger = svclog.WithSubsystem(s.logger, "attachments")
	return s
}

// Create ingests the upload body and stores a new record.
func (s *Service) Create(ctx context.Context, up Upload) (*Attachment, error) {
	now := s.clock.Now().UTC()
	att := &Attachment{
		ID:           ids.New(),
		Status:       StatusNormal,
		Title:        strings.TrimSpace(up.Title),
		ContextClass: strings.TrimSpace(up.ContextClass),
		ContextID:    strings.TrimSpace(up.ContextID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if att.Title == "" {
		att.Title = TitleFromName(up.Name)
	}
	logger := svclog.FromContext(ctx, s.logger).With("attachment_id", att.ID)
	ctx = pslog.ContextWithLogger(ctx, logger)
	if err := s.ingester.LoadReader(ctx, att, up.Body); err != nil {
		logger.Debug("attachments.create.rejected", "error", err)
		return nil, err
	}
	if err := s.records.Create(ctx, att); err != nil {
		logger.Warn("attachments.create.record_error", "error", err)
		return nil, err
	}
	logger.Info("attachments.create.success", "hash", att.ContentHash, "mime", att.MIMEType, "size", att.Size)
	return att, nil
}

// Get returns the record for id.
func (s *Service) Get(ctx context.Context, id string) (*Attachment, error) {
	if !ids.Valid(id) {
		return nil, ErrNotFound
	}
	return s.records.Get(ctx, id)
}

// Remove marks the attachment removed. Removing twice is a no-op.
func (s *Service) Remove(ctx context.Context, id string) (*Attachment, error) {
	att, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if att.Status == StatusRemoved {
		return att, nil
	}
	att.Status = StatusRemoved
	att.UpdatedAt = s.clock.Now().UTC()
	if err := s.records.Update(ctx, att); err != nil {
		return nil, err
	}
	svclog.FromContext(ctx, s.logger).Info("attachments.remove.success", "attachment_id", id)
	return att, nil
}

// Content delivers the original bytes of attachment id.
func (s *Service) Content(ctx context.Context, id string, cond delivery.Conditions) (*delivery.Response, error) {
	att, err := s.deliverable(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.deliverer.Original(ctx, source(att), cond)
}

// Image delivers a rendered variant of attachment id.
func (s *Service) Image(ctx context.Context, id string, maxWidth, maxHeight int, cond delivery.Conditions) (*delivery.Response, error) {
	att, err := s.deliverable(ctx, id)
	if err != nil {
		return nil, err
	}
	resp, err := s.deliverer.Variant(ctx, source(att), maxWidth, maxHeight, cond)
	if err == nil && resp.Fallback {
		svclog.FromContext(ctx, s.logger).Debug("attachments.image.fallback", "attachment_id", id)
	}
	return resp, err
}

func (s *Service) deliverable(ctx context.Context, id string) (*Attachment, error) {
	att, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if att.Status == StatusRemoved {
		return nil, ErrRemoved
	}
	if !att.HasContent() {
		return nil, delivery.ErrNoContent
	}
	return att, nil
}

func source(att *Attachment) delivery.Source {
	return delivery.Source{ContentHash: att.ContentHash, MIMEType: att.MIMEType}
}

// IsNotFound reports whether err means the attachment or its content is
// unavailable.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrRemoved)
}
