package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testMessage() Message {
	return Message{Title: "ST elevation: subject 42", Body: "Risk high\nST 61.2%", AlertID: "01ALERT", OutcomeID: "out-1"}
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()

	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"message_id": 981}})
	}))
	defer srv.Close()

	ch := NewTelegram(TelegramOptions{BotToken: "token", BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	receipt, err := ch.Send(context.Background(), "5550", testMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received["chat_id"] != "5550" || !strings.Contains(received["text"], "ST 61.2%") {
		t.Fatalf("payload = %#v", received)
	}
	if receipt.ProviderRef != "981" || !receipt.Delivered {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestTelegramNotOK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	ch := NewTelegram(TelegramOptions{BotToken: "token", BaseURL: srv.URL}, zerolog.Nop())
	_, err := ch.Send(context.Background(), "1", testMessage())
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestUnconfiguredChannels(t *testing.T) {
	t.Parallel()

	channels := []Channel{
		NewTelegram(TelegramOptions{}, zerolog.Nop()),
		NewSMS(SMSOptions{AccountSID: "AC1"}, zerolog.Nop()),
		NewEmail(EmailOptions{Host: "smtp.example.org"}, zerolog.Nop()),
		NewSlack(SlackOptions{}, zerolog.Nop()),
	}
	for _, ch := range channels {
		if ch.Configured() {
			t.Fatalf("%s should be unconfigured", ch.Kind())
		}
		if _, err := ch.Send(context.Background(), "x", testMessage()); !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("%s Send = %v, want ErrNotConfigured", ch.Kind(), err)
		}
	}
	if got := Configured(channels...); len(got) != 0 {
		t.Fatalf("Configured = %d channels", len(got))
	}
}

func TestSMSSend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC1/Messages.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "secret" {
			t.Errorf("basic auth = %q %q %v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("To") != "+15550100" || r.PostForm.Get("From") != "+15559999" {
			t.Errorf("form = %v", r.PostForm)
		}
		if cb := r.PostForm.Get("StatusCallback"); cb != "https://ecg.example.org/api/v1/outcomes/out-1/delivered" {
			t.Errorf("callback = %q", cb)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"sid": "SM123", "status": "queued"})
	}))
	defer srv.Close()

	ch := NewSMS(SMSOptions{
		AccountSID:   "AC1",
		AuthToken:    "secret",
		From:         "+15559999",
		BaseURL:      srv.URL,
		CallbackBase: "https://ecg.example.org/",
	}, zerolog.Nop())
	receipt, err := ch.Send(context.Background(), "+15550100", testMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.ProviderRef != "SM123" || receipt.Delivered {
		t.Fatalf("receipt = %+v, want queued SM123", receipt)
	}
}

func TestSMSProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"invalid To number"}`))
	}))
	defer srv.Close()

	ch := NewSMS(SMSOptions{AccountSID: "AC1", AuthToken: "t", From: "+1", BaseURL: srv.URL}, zerolog.Nop())
	_, err := ch.Send(context.Background(), "bogus", testMessage())
	if err == nil || !strings.Contains(err.Error(), "invalid To number") {
		t.Fatalf("err = %v", err)
	}
}

func TestSlackSend(t *testing.T) {
	t.Parallel()

	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ch := NewSlack(SlackOptions{WebhookURL: srv.URL}, zerolog.Nop())
	receipt, err := ch.Send(context.Background(), "#cardiac-oncall", testMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Channel != "#cardiac-oncall" || !strings.HasPrefix(got.Text, "*ST elevation") {
		t.Fatalf("payload = %+v", got)
	}
	if !receipt.Delivered {
		t.Fatal("slack webhook acceptance should count as delivered")
	}
}

func TestSlackErrorBodyIsBounded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	ch := NewSlack(SlackOptions{WebhookURL: srv.URL}, zerolog.Nop())
	_, err := ch.Send(context.Background(), "", testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(err.Error()) > 600 {
		t.Fatalf("error message not truncated: %d bytes", len(err.Error()))
	}
}

// fakeSMTP accepts one session and returns the DATA payload.
func fakeSMTP(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP test")
		var data string
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				_ = tp.PrintfLine("250-localhost")
				_ = tp.PrintfLine("250 8BITMIME")
			case strings.HasPrefix(cmd, "HELO"), strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				_ = tp.PrintfLine("250 OK")
			case cmd == "DATA":
				_ = tp.PrintfLine("354 go ahead")
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				data = strings.Join(lines, "\n")
				_ = tp.PrintfLine("250 queued")
			case cmd == "QUIT":
				_ = tp.PrintfLine("221 bye")
				got <- data
				return
			default:
				_ = tp.PrintfLine("502 not implemented")
			}
		}
	}()
	return ln.Addr().String(), got
}

func TestEmailSend(t *testing.T) {
	t.Parallel()

	addr, got := fakeSMTP(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := net.LookupPort("tcp", portStr)

	ch := NewEmail(EmailOptions{Host: host, Port: port, From: "alerts@example.org", Timeout: 2 * time.Second}, zerolog.Nop())
	receipt, err := ch.Send(context.Background(), "er@example.org", testMessage())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(receipt.ProviderRef, "<") || receipt.Delivered {
		t.Fatalf("receipt = %+v", receipt)
	}

	select {
	case data := <-got:
		for _, want := range []string{"To: er@example.org", "Subject: ST elevation: subject 42", "Message-ID: " + receipt.ProviderRef, "ST 61.2%"} {
			if !strings.Contains(data, want) {
				t.Fatalf("message missing %q:\n%s", want, data)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("smtp session did not finish")
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	if k, err := ParseKind(" SMS "); err != nil || k != KindSMS {
		t.Fatalf("ParseKind = %q, %v", k, err)
	}
	if _, err := ParseKind("pager"); err == nil {
		t.Fatal("pager should be rejected")
	}
}
