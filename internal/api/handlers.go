package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
)

type locationBody struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (l locationBody) location() (*responder.Location, error) {
	if l.Lat == nil && l.Lon == nil {
		return nil, nil
	}
	if l.Lat == nil || l.Lon == nil {
		return nil, errors.New("lat and lon must be given together")
	}
	loc := responder.Location{Lat: *l.Lat, Lon: *l.Lon}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return &loc, nil
}

type startRequest struct {
	locationBody
}

type samplesRequest struct {
	locationBody
	Samples      []float64 `json:"samples"`
	SamplingRate float64   `json:"sampling_rate"`
}

type createAlertRequest struct {
	locationBody
	Subject      string    `json:"subject_id"`
	Trigger      string    `json:"trigger"`
	Notes        string    `json:"notes"`
	Samples      []float64 `json:"samples"`
	SamplingRate float64   `json:"sampling_rate"`
}

func (a *API) window(samples []float64, rate float64) (signal.SampleWindow, error) {
	if len(samples) > a.maxSamples {
		return signal.SampleWindow{}, fmt.Errorf("window has %d samples, limit is %d", len(samples), a.maxSamples)
	}
	if rate < 0 {
		return signal.SampleWindow{}, errors.New("sampling_rate must not be negative")
	}
	if rate == 0 {
		rate = signal.DefaultSamplingRate
	}
	return signal.SampleWindow{Samples: samples, SamplingRate: rate}, nil
}

func (a *API) handleListSubjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subjects": a.deps.Hub.Subjects()})
}

func (a *API) handleStartSubject(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "id")

	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	loc, err := req.location()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if loc == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}

	session, started, err := a.deps.Hub.Start(r.Context(), subject, *loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := session.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusCreated
	}
	writeJSON(w, status, view)
}

func (a *API) handleSubjectSnapshot(w http.ResponseWriter, r *http.Request) {
	session, err := a.deps.Hub.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	view, err := session.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleStopSubject(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Hub.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "id")

	var req samplesRequest
	if err := decodeBody(w, r, &req); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, "invalid payload")
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "samples are required")
		return
	}
	win, err := a.window(req.Samples, req.SamplingRate)
	if err != nil {
		status := http.StatusBadRequest
		if len(req.Samples) > a.maxSamples {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}
	loc, err := req.location()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dropped, err := a.deps.Hub.Publish(subject, win, loc)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": !dropped, "samples": len(win.Samples)})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	session, err := a.deps.Hub.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	cancelled, err := session.Cancel(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (a *API) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	trigger, err := storage.ParseTriggerKind(strings.TrimSpace(req.Trigger))
	if err != nil || trigger == storage.TriggerAuto {
		writeError(w, http.StatusBadRequest, "trigger must be manual or test")
		return
	}
	loc, err := req.location()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if loc == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}

	dreq := dispatch.Request{
		Subject:  strings.TrimSpace(req.Subject),
		Location: *loc,
		Trigger:  trigger,
		Notes:    req.Notes,
	}
	if len(req.Samples) > 0 {
		win, err := a.window(req.Samples, req.SamplingRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		dreq.Window = win
		dreq.Risk = a.deps.Analyzer.Assess(r.Context(), win)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("subject.id", dreq.Subject), attribute.String("alert.trigger", string(trigger)))

	summary, err := a.deps.Alerts.Escalate(r.Context(), dreq)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			a.logger.Error().Err(err).Str("subject", dreq.Subject).Msg("escalation failed")
		}
		writeError(w, status, err.Error())
		return
	}
	span.SetAttributes(attribute.String("alert.id", summary.AlertID))
	writeJSON(w, http.StatusCreated, summary)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	alerts, err := a.deps.Lister.ListRecentAlerts(r.Context(), limit, r.URL.Query().Get("subject"))
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list alerts")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("alert.id", id))

	detail, err := a.deps.Alerts.Get(r.Context(), id)
	if err != nil {
		a.fail(w, err, "failed to get alert")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := a.deps.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err, "failed to resolve alert")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// handleDelivered accepts provider status callbacks. Form encoded callbacks
// carrying a MessageStatus other than "delivered" are acknowledged and
// ignored.
func (a *API) handleDelivered(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form")
			return
		}
		if status := r.PostForm.Get("MessageStatus"); status != "" && status != "delivered" {
			a.logger.Debug().Str("outcome_id", id).Str("provider_status", status).Msg("provider status ignored")
			writeJSON(w, http.StatusOK, map[string]string{"ignored": status})
			return
		}
	}

	outcome, err := a.deps.Alerts.ConfirmDelivery(r.Context(), id)
	if err != nil {
		a.fail(w, err, "failed to confirm delivery")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (a *API) fail(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error().Err(err).Msg(msg)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
