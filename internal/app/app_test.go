package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ecg-sentinel/internal/config"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
)

const directoryYAML = `facilities:
  - id: h-near
    name: Near Hospital
    location: {lat: 12.9716, lon: 77.5946}
    capabilities: [cardiac_unit, emergency]
    phone: "+15550101"
  - id: h-far
    name: Far Clinic
    location: {lat: 13.0500, lon: 77.7000}
    capabilities: [emergency]
    phone: "+15550102"
contacts:
  - id: c1
    subject: "42"
    name: Family
    priority: 1
    addresses: {sms: "+15550199"}
`

type smsProvider struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newSMSProvider(t *testing.T) *smsProvider {
	t.Helper()
	p := &smsProvider{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := p.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"SM` + strconv.Itoa(int(n)) + `","status":"queued"}`))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func newTestApp(t *testing.T, smsURL string) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	dirPath := filepath.Join(dir, "responders.yaml")
	if err := os.WriteFile(dirPath, []byte(directoryYAML), 0o600); err != nil {
		t.Fatalf("write directory: %v", err)
	}

	body := strings.Join([]string{
		"database:",
		"  driver: sqlite",
		"  path: " + filepath.Join(dir, "alerts.db"),
		"directory:",
		"  path: " + dirPath,
		"  watch: false",
		"channels:",
		"  sms:",
		"    account_sid: AC1",
		"    auth_token: secret",
		"    from: \"+15550000\"",
		"    base_url: " + smsURL,
		"",
	}, "\n")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func writeRecording(t *testing.T, values []float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recording.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w := csv.NewWriter(f)
	for _, v := range values {
		_ = w.Write([]string{strconv.FormatFloat(v, 'f', -1, 64)})
	}
	w.Flush()
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func stepRecording() []float64 {
	values := make([]float64, 0, 2000)
	for i := 0; i < 1500; i++ {
		values = append(values, 300)
	}
	for i := 0; i < 500; i++ {
		values = append(values, 600)
	}
	return values
}

func TestAnalyzeReportsElevatedWindow(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t, "http://127.0.0.1:1")
	report, err := a.Analyze(context.Background(), AnalyzeOptions{
		Path:   writeRecording(t, stepRecording()),
		Window: 4 * time.Second,
		Rate:   250,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.Windows != 2 || report.Elevated != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.FirstSTAt == nil || *report.FirstSTAt != 4*time.Second {
		t.Fatalf("first ST at = %v", report.FirstSTAt)
	}
	if report.Highest != signal.RiskHigh {
		t.Fatalf("highest = %s", report.Highest)
	}
	if !strings.Contains(out.String(), "st_elevation") {
		t.Fatalf("output missing pattern:\n%s", out.String())
	}
}

func TestAnalyzeRejectsShortRecording(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, "http://127.0.0.1:1")
	_, err := a.Analyze(context.Background(), AnalyzeOptions{
		Path:   writeRecording(t, []float64{1, 2, 3}),
		Window: 4 * time.Second,
		Rate:   250,
	})
	if err == nil {
		t.Fatal("expected error for a recording shorter than one window")
	}
}

func TestEscalateShowResolveExport(t *testing.T) {
	t.Parallel()

	provider := newSMSProvider(t)
	a, out := newTestApp(t, provider.srv.URL)
	ctx := context.Background()

	summary, err := a.Escalate(ctx, EscalateOptions{
		Subject:       "42",
		Location:      responder.Location{Lat: 12.97, Lon: 77.59},
		Trigger:       storage.TriggerTest,
		Notes:         "drill",
		RecordingPath: writeRecording(t, stepRecording()),
		Rate:          250,
	})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if summary.Status != storage.StatusNotified || len(summary.Outcomes) != 3 || summary.Tally.Sent != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	if provider.calls.Load() != 3 {
		t.Fatalf("provider calls = %d", provider.calls.Load())
	}
	if summary.Facilities[0].ID != "h-near" {
		t.Fatalf("nearest facility = %s", summary.Facilities[0].ID)
	}

	out.Reset()
	if err := a.Alerts(ctx, AlertsOptions{Limit: 10, Subject: "42"}); err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if !strings.Contains(out.String(), summary.AlertID) || !strings.Contains(out.String(), "test") {
		t.Fatalf("alerts output:\n%s", out.String())
	}

	out.Reset()
	if err := a.ShowAlert(ctx, summary.AlertID); err != nil {
		t.Fatalf("ShowAlert: %v", err)
	}
	if !strings.Contains(out.String(), "Near Hospital") || !strings.Contains(out.String(), "2000 samples") {
		t.Fatalf("show output:\n%s", out.String())
	}

	csvPath := filepath.Join(t.TempDir(), "out", "alert.csv")
	pngPath := filepath.Join(t.TempDir(), "alert.png")
	if err := a.Export(ctx, ExportOptions{AlertID: summary.AlertID, CSVPath: csvPath, PNGPath: pngPath, MaxPoints: 100}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	raw, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if lines := strings.Count(string(raw), "\n"); lines != 101 {
		t.Fatalf("csv lines = %d", lines)
	}
	if info, err := os.Stat(pngPath); err != nil || info.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}

	if err := a.Resolve(ctx, summary.AlertID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := a.Resolve(ctx, summary.AlertID); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
}

func TestEscalateRejectsAutoTrigger(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, "http://127.0.0.1:1")
	_, err := a.Escalate(context.Background(), EscalateOptions{
		Subject:  "42",
		Location: responder.Location{Lat: 1, Lon: 1},
		Trigger:  storage.TriggerAuto,
	})
	if err == nil {
		t.Fatal("auto trigger accepted")
	}
}

func TestSimulateFiresOnElevation(t *testing.T) {
	t.Parallel()

	a, out := newTestApp(t, "http://127.0.0.1:1")
	report, err := a.Simulate(context.Background(), SimulateOptions{
		Subject:  "sim",
		Rhythm:   signal.RhythmSTElevation,
		Duration: 30 * time.Second,
		Window:   2 * time.Second,
		Rate:     250,
		Location: responder.Location{Lat: 12.97, Lon: 77.59},
		Speed:    100,
		Seed:     7,
	})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if report.Windows != 15 {
		t.Fatalf("windows = %d", report.Windows)
	}
	if report.Escalations != 1 {
		t.Fatalf("escalations = %d, output:\n%s", report.Escalations, out.String())
	}
}

func TestScalePolicy(t *testing.T) {
	t.Parallel()

	p := scalePolicy(config.MonitorConfig{
		Threshold: 25, Sustain: 5 * time.Second, Countdown: 3 * time.Second, Tick: time.Second,
		Cooldown: 2 * time.Minute, NoticeInterval: 30 * time.Second,
	}.Policy(), 10)
	if p.Sustain != 500*time.Millisecond || p.Cooldown != 12*time.Second || p.Threshold != 25 {
		t.Fatalf("policy = %+v", p)
	}
}
