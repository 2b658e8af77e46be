// Package dispatch turns one escalation into an alert record and a concurrent
// fan-out of notifications, one audited outcome per recipient and channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ecg-sentinel/internal/alerting"
	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
)

// DefaultSendTimeout bounds a single provider call.
const DefaultSendTimeout = 10 * time.Second

// ErrInvalidRequest marks escalations rejected before any alert was created.
var ErrInvalidRequest = errors.New("dispatch: invalid request")

var tracer = otel.Tracer("ecg-sentinel/internal/dispatch")

// Request describes one escalation.
type Request struct {
	Subject  string
	Location responder.Location
	Trigger  storage.TriggerKind
	Notes    string
	Window   signal.SampleWindow
	Risk     signal.Assessment
}

// RankedFacility is a facility as reported back to the operator.
type RankedFacility struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	DistanceKM decimal.Decimal `json:"distance_km"`
	Phone      string          `json:"phone,omitempty"`
}

// Tally counts outcomes by status.
type Tally struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped_unconfigured"`
}

func (t *Tally) add(status storage.OutcomeStatus) {
	switch status {
	case storage.OutcomeSent:
		t.Sent++
	case storage.OutcomeDelivered:
		t.Delivered++
	case storage.OutcomeFailed:
		t.Failed++
	case storage.OutcomeUnconfigured:
		t.Skipped++
	}
}

// Summary is the acknowledgement returned for every escalation that got as
// far as creating its alert.
type Summary struct {
	AlertID              string                    `json:"alert_id"`
	Status               storage.AlertStatus       `json:"status"`
	FacilitiesConsidered int                       `json:"facilities_considered"`
	ContactsConsidered   int                       `json:"contacts_considered"`
	Facilities           []RankedFacility          `json:"facilities"`
	Tally                Tally                     `json:"tally"`
	Outcomes             []storage.DeliveryOutcome `json:"outcomes"`
}

// Detail is an alert with its audit trail.
type Detail struct {
	Alert    storage.Alert             `json:"alert"`
	Outcomes []storage.DeliveryOutcome `json:"outcomes"`
}

// Hooks are optional callbacks for metrics.
type Hooks struct {
	OnEscalation func(trigger string)
	OnOutcome    func(channel, status string, d time.Duration)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.sendTimeout = d
		}
	}
}

// WithRanking sets how many facilities are notified and what they must offer.
func WithRanking(limit int, required []responder.Capability) Option {
	return func(d *Dispatcher) {
		d.rank = responder.RankOptions{Limit: limit, Required: required}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l.With().Str("component", "dispatcher").Logger()
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithHooks installs metric callbacks.
func WithHooks(h Hooks) Option {
	return func(d *Dispatcher) { d.hooks = h }
}

// Dispatcher runs escalations.
type Dispatcher struct {
	store       storage.AlertStore
	directory   responder.Directory
	channels    []alerting.Channel
	sendTimeout time.Duration
	rank        responder.RankOptions
	logger      zerolog.Logger
	now         func() time.Time
	hooks       Hooks
}

// New builds a Dispatcher. channels is the enabled set; members without
// credentials still produce skipped_unconfigured rows.
func New(store storage.AlertStore, directory responder.Directory, channels []alerting.Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		directory:   directory,
		channels:    channels,
		sendTimeout: DefaultSendTimeout,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type target struct {
	kind       storage.RecipientKind
	id         string
	name       string
	addresses  func(kind string) string
	distanceKM *decimal.Decimal
}

// Escalate records an alert and notifies every recipient over every channel.
// Once the alert exists the call always returns a summary; delivery problems
// are reported in the outcome rows, not as an error. The fan-out ignores
// cancellation of ctx.
func (d *Dispatcher) Escalate(ctx context.Context, req Request) (*Summary, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "dispatch.Escalate", trace.WithAttributes(
		attribute.String("subject.id", req.Subject),
		attribute.String("alert.trigger", string(req.Trigger)),
	))
	defer span.End()

	if req.Subject == "" {
		return nil, d.spanError(span, fmt.Errorf("%w: subject is required", ErrInvalidRequest))
	}
	if err := req.Location.Validate(); err != nil {
		return nil, d.spanError(span, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if req.Trigger == "" {
		req.Trigger = storage.TriggerManual
	}
	if req.Risk.Patterns == nil {
		req.Risk.Patterns = []signal.Pattern{}
	}

	alert := storage.Alert{
		ID:        ulid.Make().String(),
		Subject:   req.Subject,
		Latitude:  req.Location.Lat,
		Longitude: req.Location.Lon,
		Trigger:   req.Trigger,
		Notes:     req.Notes,
		Window:    req.Window.Clone(),
		Risk:      req.Risk,
		Status:    storage.StatusTriggered,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.CreateAlert(ctx, alert); err != nil {
		return nil, d.spanError(span, fmt.Errorf("create alert: %w", err))
	}
	span.SetAttributes(attribute.String("alert.id", alert.ID))
	if d.hooks.OnEscalation != nil {
		d.hooks.OnEscalation(string(req.Trigger))
	}

	log := d.logger.With().Str("alert_id", alert.ID).Str("subject", req.Subject).Str("trigger", string(req.Trigger)).Logger()
	log.Warn().Float64("st_percent", req.Risk.STPercent).Str("risk", string(req.Risk.RiskLevel)).Msg("escalation started")

	facilities, contacts := d.recipients(ctx, req.Subject, log)
	ranked := responder.Rank(facilities, req.Location, d.rank)

	summary := &Summary{
		AlertID:              alert.ID,
		Status:               storage.StatusTriggered,
		FacilitiesConsidered: len(facilities),
		ContactsConsidered:   len(contacts),
		Facilities:           make([]RankedFacility, 0, len(ranked)),
	}

	targets := make([]target, 0, len(ranked)+len(contacts))
	for _, r := range ranked {
		dist := decimal.NewFromFloat(r.DistanceKM).Round(2)
		summary.Facilities = append(summary.Facilities, RankedFacility{ID: r.Facility.ID, Name: r.Facility.Name, DistanceKM: dist, Phone: r.Facility.Phone})
		targets = append(targets, target{
			kind:       storage.RecipientFacility,
			id:         r.Facility.ID,
			name:       r.Facility.Name,
			addresses:  r.Facility.Address,
			distanceKM: &dist,
		})
	}
	for _, c := range contacts {
		targets = append(targets, target{
			kind:      storage.RecipientContact,
			id:        c.ID,
			name:      c.Name,
			addresses: c.Address,
		})
	}

	summary.Outcomes = d.fanOut(ctx, alert, targets, log)
	for _, o := range summary.Outcomes {
		summary.Tally.add(o.Status)
	}

	summary.Status = d.finalize(ctx, alert.ID, log)
	span.SetAttributes(
		attribute.Int("dispatch.outcomes", len(summary.Outcomes)),
		attribute.Int("dispatch.failed", summary.Tally.Failed),
	)
	log.Info().
		Int("facilities", len(ranked)).
		Int("contacts", len(contacts)).
		Int("sent", summary.Tally.Sent).
		Int("delivered", summary.Tally.Delivered).
		Int("failed", summary.Tally.Failed).
		Int("skipped", summary.Tally.Skipped).
		Str("status", string(summary.Status)).
		Msg("escalation dispatched")
	return summary, nil
}

// recipients reads the directory. Failures shrink the recipient set instead of
// stopping the escalation.
func (d *Dispatcher) recipients(ctx context.Context, subject string, log zerolog.Logger) ([]responder.Facility, []responder.Contact) {
	if d.directory == nil {
		log.Warn().Msg("no responder directory configured")
		return nil, nil
	}
	contacts, err := d.directory.Contacts(ctx, subject)
	if err != nil {
		log.Error().Err(err).Msg("read contacts failed; continuing without contacts")
		contacts = nil
	}
	responder.SortContacts(contacts)
	facilities, err := d.directory.Facilities(ctx)
	if err != nil {
		log.Error().Err(err).Msg("read facilities failed; continuing without facilities")
		facilities = nil
	}
	return facilities, contacts
}

func (d *Dispatcher) fanOut(ctx context.Context, alert storage.Alert, targets []target, log zerolog.Logger) []storage.DeliveryOutcome {
	outcomes := make([]storage.DeliveryOutcome, len(targets)*len(d.channels))
	var wg sync.WaitGroup
	i := 0
	for _, t := range targets {
		for _, ch := range d.channels {
			wg.Add(1)
			go func(slot int, t target, ch alerting.Channel) {
				defer wg.Done()
				o := d.attempt(ctx, alert, t, ch)
				if err := d.store.AppendOutcome(ctx, o); err != nil {
					log.Error().Err(err).Str("outcome_id", o.ID).Msg("record delivery outcome failed")
				}
				outcomes[slot] = o
			}(i, t, ch)
			i++
		}
	}
	wg.Wait()
	return outcomes
}

type sendResult struct {
	receipt alerting.Receipt
	err     error
}

// attempt performs one send and always returns exactly one outcome.
func (d *Dispatcher) attempt(ctx context.Context, alert storage.Alert, t target, ch alerting.Channel) (o storage.DeliveryOutcome) {
	kind := string(ch.Kind())
	o = storage.DeliveryOutcome{
		ID:            uuid.NewString(),
		AlertID:       alert.ID,
		RecipientKind: t.kind,
		RecipientID:   t.id,
		RecipientName: t.name,
		Channel:       kind,
		Address:       t.addresses(kind),
		AttemptedAt:   d.now().UTC(),
	}
	start := time.Now()
	defer func() {
		o.CompletedAt = d.now().UTC()
		if d.hooks.OnOutcome != nil {
			d.hooks.OnOutcome(kind, string(o.Status), time.Since(start))
		}
	}()

	switch {
	case !ch.Configured():
		o.Status = storage.OutcomeUnconfigured
		o.Error = "channel has no credentials"
		return o
	case o.Address == "":
		o.Status = storage.OutcomeUnconfigured
		o.Error = "recipient has no " + kind + " address"
		return o
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	msg := renderMessage(alert, t, o.ID)
	done := make(chan sendResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sendResult{err: fmt.Errorf("channel panic: %v", r)}
			}
		}()
		receipt, err := ch.Send(sendCtx, o.Address, msg)
		done <- sendResult{receipt: receipt, err: err}
	}()

	var res sendResult
	select {
	case res = <-done:
	case <-sendCtx.Done():
		res.err = fmt.Errorf("send timed out after %s: %w", d.sendTimeout, sendCtx.Err())
	}

	o.ProviderRef = res.receipt.ProviderRef
	switch {
	case res.err != nil:
		o.Status = storage.OutcomeFailed
		o.Error = res.err.Error()
		d.logger.Warn().Err(res.err).Str("alert_id", alert.ID).Str("recipient", t.id).Str("channel", kind).Msg("delivery failed")
	case res.receipt.Delivered:
		o.Status = storage.OutcomeDelivered
		at := d.now().UTC()
		o.DeliveredAt = &at
	default:
		o.Status = storage.OutcomeSent
	}
	return o
}

// finalize marks the alert notified unless it was resolved meanwhile.
func (d *Dispatcher) finalize(ctx context.Context, alertID string, log zerolog.Logger) storage.AlertStatus {
	alert, err := d.store.UpdateAlertStatus(ctx, alertID, storage.StatusNotified, d.now().UTC())
	switch {
	case err == nil:
		return alert.Status
	case errors.Is(err, storage.ErrInvalidTransition):
		log.Info().Str("status", string(alert.Status)).Msg("alert already closed; keeping status")
		return alert.Status
	default:
		log.Error().Err(err).Msg("mark alert notified failed")
		return storage.StatusTriggered
	}
}

// Resolve closes an alert.
func (d *Dispatcher) Resolve(ctx context.Context, alertID string) (storage.Alert, error) {
	alert, err := d.store.UpdateAlertStatus(ctx, alertID, storage.StatusResolved, d.now().UTC())
	if err != nil {
		return storage.Alert{}, fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	d.logger.Info().Str("alert_id", alertID).Msg("alert resolved")
	return alert, nil
}

// Get returns an alert with its outcomes.
func (d *Dispatcher) Get(ctx context.Context, alertID string) (Detail, error) {
	alert, err := d.store.GetAlert(ctx, alertID)
	if err != nil {
		return Detail{}, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	outcomes, err := d.store.ListOutcomes(ctx, alertID)
	if err != nil {
		return Detail{}, fmt.Errorf("list outcomes for %s: %w", alertID, err)
	}
	return Detail{Alert: alert, Outcomes: outcomes}, nil
}

// ConfirmDelivery records an asynchronous provider delivery receipt.
func (d *Dispatcher) ConfirmDelivery(ctx context.Context, outcomeID string) (storage.DeliveryOutcome, error) {
	o, err := d.store.MarkDelivered(ctx, outcomeID, d.now().UTC())
	if err != nil {
		return storage.DeliveryOutcome{}, fmt.Errorf("confirm delivery %s: %w", outcomeID, err)
	}
	return o, nil
}

// Escalator adapts the dispatcher to the arbiter's automatic trigger.
func (d *Dispatcher) Escalator() arbiter.Escalator {
	return arbiter.EscalatorFunc(func(ctx context.Context, e arbiter.Escalation) error {
		_, err := d.Escalate(ctx, Request{
			Subject:  e.Subject,
			Location: e.Location,
			Trigger:  storage.TriggerAuto,
			Notes:    fmt.Sprintf("automatic trigger at %s", e.TriggeredAt.UTC().Format(time.RFC3339)),
			Window:   e.Window,
			Risk:     e.Assessment,
		})
		return err
	})
}

func (d *Dispatcher) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
