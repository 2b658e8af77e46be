package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ecg-sentinel/internal/alerting"
	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/monitor"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
	"ecg-sentinel/internal/storage/memstore"
	"ecg-sentinel/internal/stream"
)

type okChannel struct{}

func (okChannel) Kind() alerting.Kind { return alerting.KindSMS }
func (okChannel) Configured() bool    { return true }
func (okChannel) Send(context.Context, string, alerting.Message) (alerting.Receipt, error) {
	return alerting.Receipt{ProviderRef: "SM1"}, nil
}

type fixture struct {
	srv   *httptest.Server
	hub   *monitor.Hub
	store *memstore.Store
}

func newFixture(t *testing.T, opts Options, ready func(context.Context) error) *fixture {
	t.Helper()

	store := memstore.New()
	dir := responder.NewStaticDirectory([]responder.Facility{
		{ID: "h1", Name: "City Hospital", Location: responder.Location{Lat: 12.98, Lon: 77.60}, Phone: "+15550101"},
	}, nil)
	d := dispatch.New(store, dir, []alerting.Channel{okChannel{}}, dispatch.WithLogger(zerolog.Nop()))
	analyzer := signal.NewAnalyzer()
	hub := monitor.NewHub(stream.NewBroker[monitor.Frame](), analyzer, nil, arbiter.DefaultPolicy())

	reg := prometheus.NewRegistry()
	a := New(zerolog.Nop(), Deps{
		Alerts:   d,
		Lister:   store,
		Hub:      hub,
		Analyzer: analyzer,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:    ready,
	}, opts)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(context.Background())
	})
	return &fixture{srv: srv, hub: hub, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, func(context.Context) error { return errors.New("db down") })
	if resp, _ := f.do(t, http.MethodGet, "/-/healthy", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthy = %d", resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodGet, "/-/ready", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["error"] != "db down" {
		t.Fatalf("ready = %d %v", resp.StatusCode, body)
	}
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestSubjectLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, nil)

	resp, body := f.do(t, http.MethodPut, "/api/v1/subjects/42", `{"lat":12.97,"lon":77.59}`)
	if resp.StatusCode != http.StatusCreated || body["subject"] != "42" {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodPut, "/api/v1/subjects/42", `{"lat":12.97,"lon":77.59}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("restart = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPut, "/api/v1/subjects/43", `{"lat":12.97}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("start without lon = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/subjects", "")
	if subjects, _ := body["subjects"].([]any); resp.StatusCode != http.StatusOK || len(subjects) != 1 {
		t.Fatalf("list = %d %v", resp.StatusCode, body)
	}

	samples := `{"samples":[` + strings.TrimSuffix(strings.Repeat("300,", 40), ",") + `],"sampling_rate":250}`
	resp, body = f.do(t, http.MethodPost, "/api/v1/subjects/42/samples", samples)
	if resp.StatusCode != http.StatusAccepted || body["accepted"] != true {
		t.Fatalf("ingest = %d %v", resp.StatusCode, body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body = f.do(t, http.MethodGet, "/api/v1/subjects/42", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("snapshot = %d", resp.StatusCode)
		}
		if n, _ := body["windows"].(float64); n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("window never analyzed: %v", body)
		}
		time.Sleep(5 * time.Millisecond)
	}
	last, _ := body["last_assessment"].(map[string]any)
	if last["risk_level"] != "low" {
		t.Fatalf("last assessment = %v", last)
	}

	resp, body = f.do(t, http.MethodPost, "/api/v1/subjects/42/cancel", "")
	if resp.StatusCode != http.StatusOK || body["cancelled"] != false {
		t.Fatalf("cancel = %d %v", resp.StatusCode, body)
	}

	if resp, _ := f.do(t, http.MethodDelete, "/api/v1/subjects/42", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/v1/subjects/42", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second stop = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/v1/subjects/42/samples", samples); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ingest after stop = %d", resp.StatusCode)
	}
}

func TestIngestLimits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{MaxSamples: 3}, nil)
	if _, _, err := f.hub.Start(context.Background(), "7", responder.Location{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cases := []struct {
		name string
		body string
		want int
	}{
		{"too many", `{"samples":[1,2,3,4]}`, http.StatusRequestEntityTooLarge},
		{"empty", `{"samples":[]}`, http.StatusBadRequest},
		{"unknown field", `{"samples":[1],"foo":1}`, http.StatusBadRequest},
		{"bad location", `{"samples":[1],"lat":100,"lon":0}`, http.StatusBadRequest},
		{"ok", `{"samples":[1,2,3]}`, http.StatusAccepted},
	}
	for _, tc := range cases {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/subjects/7/samples", tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestAlertEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/alerts", `{"subject_id":"42","lat":12.97,"lon":77.59,"trigger":"test","notes":"drill"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	alertID, _ := body["alert_id"].(string)
	outcomes, _ := body["outcomes"].([]any)
	if alertID == "" || body["status"] != "notified" || len(outcomes) != 1 {
		t.Fatalf("summary = %v", body)
	}
	outcomeID, _ := outcomes[0].(map[string]any)["id"].(string)

	resp, body = f.do(t, http.MethodGet, "/api/v1/alerts/"+alertID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get = %d", resp.StatusCode)
	}
	if alert, _ := body["alert"].(map[string]any); alert["trigger"] != "test" {
		t.Fatalf("detail = %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/alerts?subject=42&limit=5", "")
	if list, _ := body["alerts"].([]any); resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d %v", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/v1/alerts?limit=zero", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", resp.StatusCode)
	}

	form := url.Values{"MessageStatus": {"queued"}}
	fresp, err := http.PostForm(f.srv.URL+"/api/v1/outcomes/"+outcomeID+"/delivered", form)
	if err != nil {
		t.Fatalf("post form: %v", err)
	}
	fresp.Body.Close()
	if fresp.StatusCode != http.StatusOK {
		t.Fatalf("queued callback = %d", fresp.StatusCode)
	}
	stored, _ := f.store.ListOutcomes(context.Background(), alertID)
	if stored[0].Status != storage.OutcomeSent {
		t.Fatalf("queued callback changed status to %s", stored[0].Status)
	}

	resp, body = f.do(t, http.MethodPost, "/api/v1/outcomes/"+outcomeID+"/delivered", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "delivered" {
		t.Fatalf("delivered = %d %v", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/v1/outcomes/nope/delivered", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown outcome = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/resolve", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "resolved" {
		t.Fatalf("resolve = %d %v", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/v1/alerts/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing = %d", resp.StatusCode)
	}
}

func TestCreateAlertAnalyzesSamples(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, nil)

	samples := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		v := "300"
		if i >= 100 {
			v = "600"
		}
		samples = append(samples, v)
	}
	body := `{"subject_id":"42","lat":12.97,"lon":77.59,"samples":[` + strings.Join(samples, ",") + `]}`
	resp, out := f.do(t, http.MethodPost, "/api/v1/alerts", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, out)
	}

	alert, err := f.store.GetAlert(context.Background(), out["alert_id"].(string))
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if alert.Trigger != storage.TriggerManual || !alert.Risk.Has(signal.PatternSTElevation) || len(alert.Window.Samples) != 200 {
		t.Fatalf("alert = %+v", alert.Risk)
	}
}

func TestCreateAlertRejects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{}, nil)
	cases := []struct {
		name string
		body string
	}{
		{"auto trigger", `{"subject_id":"42","lat":1,"lon":1,"trigger":"auto"}`},
		{"unknown trigger", `{"subject_id":"42","lat":1,"lon":1,"trigger":"drill"}`},
		{"missing location", `{"subject_id":"42"}`},
		{"missing subject", `{"lat":1,"lon":1}`},
		{"malformed", `{"subject_id":`},
	}
	for _, tc := range cases {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/alerts", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", tc.name, resp.StatusCode)
		}
	}
}
