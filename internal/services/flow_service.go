package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"budgetflow/internal/core"
	"budgetflow/internal/docstore"
	"budgetflow/internal/feed"
	"budgetflow/internal/log"

	"github.com/go-playground/validator/v10"
)

var (
	ErrDocumentStore  = errors.New("document store failed")
	ErrStepOutOfRange = errors.New("step index out of range")
)

// Ledger is the append-only record store behind the feeds.
type Ledger interface {
	Insert(ctx context.Context, ds core.Dataset, rec core.Record) (core.Record, error)
	InsertVersion(ctx context.Context, parentID string, rec core.Record) (core.Record, error)
	Get(ctx context.Context, id string) (core.Record, core.Dataset, error)
	Snapshot(ctx context.Context, ds core.Dataset) ([]core.Record, error)
}

// Attachment is a document uploaded for one workflow step.
type Attachment struct {
	FileName string
	Data     []byte
}

type StepInput struct {
	Number     int         `json:"number" validate:"gte=0"`
	Text       string      `json:"text" validate:"max=500"`
	Status     string      `json:"status" validate:"omitempty,stepstatus"`
	PDFURL     string      `json:"pdfUrl" validate:"omitempty,max=2048"`
	Attachment *Attachment `json:"-"`
}

// FlowInput is a new budget flow as submitted by an operator. Type defaults
// to planned and Dataset to primary.
type FlowInput struct {
	From    string      `json:"from" validate:"required,max=200"`
	To      string      `json:"to" validate:"required,max=200"`
	Amount  string      `json:"amount" validate:"required,amount"`
	Type    string      `json:"type" validate:"omitempty,flowtype"`
	Dataset string      `json:"dataset" validate:"omitempty,dataset"`
	Steps   []StepInput `json:"steps" validate:"dive"`
}

type stepsInput struct {
	Steps []StepInput `json:"steps" validate:"dive"`
}

// FlowService writes budget flows to the ledger, uploads their attachments
// and announces the new dataset snapshot.
type FlowService struct {
	ledger    Ledger
	docs      docstore.Store
	announcer feed.Announcer
	validate  *validator.Validate
	logger    *log.Logger
	events    *log.StructuredLogger
	now       func() time.Time
}

type Option func(*FlowService)

func WithLogger(l *log.Logger) Option {
	return func(s *FlowService) {
		if l != nil {
			s.logger = l.WithComponent(log.ComponentFlows)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *FlowService) { s.now = now }
}

// NewFlowService wires the service. docs and announcer may be nil: uploads
// then fail with ErrDocumentStore and announcements are skipped.
func NewFlowService(ledger Ledger, docs docstore.Store, announcer feed.Announcer, opts ...Option) *FlowService {
	s := &FlowService{
		ledger:    ledger,
		docs:      docs,
		announcer: announcer,
		validate:  newValidator(),
		logger:    log.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = log.NewStructuredLogger(s.logger)
	return s
}

// Submit validates and stores a new record dated today.
func (s *FlowService) Submit(ctx context.Context, in FlowInput) (core.Record, error) {
	if err := s.validate.Struct(in); err != nil {
		return core.Record{}, validationError(err)
	}

	ds := core.Primary
	if in.Dataset != "" {
		ds, _ = core.ParseDataset(in.Dataset)
	}
	typ := core.Planned
	if in.Type != "" {
		typ, _ = core.ParseFlowType(in.Type)
	}
	amount, _ := core.ParseAmount(in.Amount)

	now := s.now()
	steps, uploaded, err := s.buildSteps(ctx, now, in.Steps)
	if err != nil {
		return core.Record{}, err
	}

	rec := core.Record{
		From:   strings.TrimSpace(in.From),
		To:     strings.TrimSpace(in.To),
		Amount: amount,
		Type:   typ,
		Date:   core.DateOf(now),
		Steps:  steps,
	}
	stored, err := s.ledger.Insert(ctx, ds, rec)
	if err != nil {
		s.discard(ctx, uploaded)
		return core.Record{}, fmt.Errorf("store flow: %w", err)
	}

	s.events.LogFlowWritten(ctx, log.OpSubmit, stored.ID, stored.To, stored.Type.String(), stored.Amount.String())
	s.announce(ctx, ds)
	return stored, nil
}

// UpdateSteps writes a new version of record id carrying steps, dated today.
// The previous version stays in the ledger.
func (s *FlowService) UpdateSteps(ctx context.Context, id string, steps []StepInput) (core.Record, error) {
	if err := s.validate.Struct(stepsInput{Steps: steps}); err != nil {
		return core.Record{}, validationError(err)
	}
	current, ds, err := s.ledger.Get(ctx, id)
	if err != nil {
		return core.Record{}, err
	}

	now := s.now()
	built, uploaded, err := s.buildSteps(ctx, now, steps)
	if err != nil {
		return core.Record{}, err
	}

	next := current.WithSteps(built)
	next.Date = core.DateOf(now)
	stored, err := s.ledger.InsertVersion(ctx, id, next)
	if err != nil {
		s.discard(ctx, uploaded)
		return core.Record{}, fmt.Errorf("store steps of %s: %w", id, err)
	}

	s.events.LogFlowWritten(ctx, log.OpSteps, stored.ID, stored.To, stored.Type.String(), stored.Amount.String())
	s.announce(ctx, ds)
	return stored, nil
}

// AttachDocument uploads att and links it to the step at stepIndex
// (zero-based) in a new version of record id.
func (s *FlowService) AttachDocument(ctx context.Context, id string, stepIndex int, att Attachment) (core.Record, error) {
	current, ds, err := s.ledger.Get(ctx, id)
	if err != nil {
		return core.Record{}, err
	}
	if stepIndex < 0 || stepIndex >= len(current.Steps) {
		return core.Record{}, fmt.Errorf("%w: %d of %d", ErrStepOutOfRange, stepIndex, len(current.Steps))
	}

	now := s.now()
	key, uri, err := s.upload(ctx, now, stepIndex, att)
	if err != nil {
		return core.Record{}, err
	}

	steps := append([]core.Step(nil), current.Steps...)
	steps[stepIndex].PDFURL = uri
	next := current.WithSteps(steps)
	next.Date = core.DateOf(now)
	stored, err := s.ledger.InsertVersion(ctx, id, next)
	if err != nil {
		s.discard(ctx, []string{key})
		return core.Record{}, fmt.Errorf("store attachment of %s: %w", id, err)
	}

	s.events.LogFlowWritten(ctx, log.OpAttach, stored.ID, stored.To, stored.Type.String(), stored.Amount.String())
	s.announce(ctx, ds)
	return stored, nil
}

// Republish announces the ledger contents of every dataset. Used at startup
// to seed in-process feeds.
func (s *FlowService) Republish(ctx context.Context) error {
	if s.announcer == nil {
		return nil
	}
	for _, ds := range core.Datasets {
		recs, err := s.ledger.Snapshot(ctx, ds)
		if err != nil {
			return fmt.Errorf("load %s snapshot: %w", ds, err)
		}
		if err := s.announcer.PublishSnapshot(ctx, ds, recs); err != nil {
			return fmt.Errorf("announce %s snapshot: %w", ds, err)
		}
	}
	return nil
}

// buildSteps drops steps without text, numbers the rest by their original
// position unless a number was given, and uploads attachments. It returns the
// uploaded object keys. If an upload fails, earlier uploads are deleted.
func (s *FlowService) buildSteps(ctx context.Context, now time.Time, in []StepInput) ([]core.Step, []string, error) {
	var (
		out      []core.Step
		uploaded []string
	)
	for i, st := range in {
		if strings.TrimSpace(st.Text) == "" {
			continue
		}
		status, _ := core.ParseStepStatus(st.Status)
		step := core.Step{
			Number: st.Number,
			Text:   strings.TrimSpace(st.Text),
			Status: status,
			PDFURL: st.PDFURL,
		}
		if step.Number == 0 {
			step.Number = i + 1
		}
		if st.Attachment != nil {
			key, uri, err := s.upload(ctx, now, i, *st.Attachment)
			if err != nil {
				s.discard(ctx, uploaded)
				return nil, nil, err
			}
			uploaded = append(uploaded, key)
			step.PDFURL = uri
		}
		out = append(out, step)
	}
	return out, uploaded, nil
}

func (s *FlowService) upload(ctx context.Context, now time.Time, index int, att Attachment) (key, uri string, err error) {
	if s.docs == nil {
		return "", "", fmt.Errorf("%w: no document store configured", ErrDocumentStore)
	}
	key = docstore.ObjectKey(now.UnixMilli(), index, att.FileName)
	uri, err = s.docs.Put(ctx, key, att.Data)
	if err != nil {
		s.events.LogError(ctx, "Attachment upload failed", err, log.OpUpload, log.LogFields{log.FieldObjectKey: key})
		return "", "", fmt.Errorf("%w: upload %s: %w", ErrDocumentStore, key, err)
	}
	s.logger.InfoContext(ctx, "Attachment uploaded", log.FieldObjectKey, key, log.FieldURI, uri)
	return key, uri, nil
}

// discard deletes uploads whose record was never stored. It runs even when
// ctx is cancelled; failures are logged and leave the object behind.
func (s *FlowService) discard(ctx context.Context, keys []string) {
	if len(keys) == 0 || s.docs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := s.docs.Delete(ctx, key); err != nil {
			s.events.LogError(ctx, "Orphaned attachment not removed", err, log.OpUpload, log.LogFields{log.FieldObjectKey: key})
			continue
		}
		s.logger.InfoContext(ctx, "Orphaned attachment removed", log.FieldObjectKey, key)
	}
}

// announce publishes the dataset's new snapshot. The write already
// succeeded, so failures are logged and not returned.
func (s *FlowService) announce(ctx context.Context, ds core.Dataset) {
	if s.announcer == nil {
		return
	}
	recs, err := s.ledger.Snapshot(ctx, ds)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load snapshot for announcement",
			log.FieldDataset, ds, log.FieldError, err)
		return
	}
	if err := s.announcer.PublishSnapshot(ctx, ds, recs); err != nil {
		s.logger.ErrorContext(ctx, "Failed to announce snapshot",
			log.FieldDataset, ds, log.FieldOperation, log.OpAnnounce, log.FieldError, err)
	}
}
