package email

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRenderAllTemplates(t *testing.T) {
	names := []string{
		TemplatePartnerPayoutFailed, TemplateDomainExpired, TemplateDomainRenewalFailed,
		TemplateUpgrade, TemplateSubscriptionCancelled, TemplateFailedPayment,
		TemplatePaymentRequiresAction,
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			html, err := Render(Message{Template: name, Data: map[string]any{
				"Name":    "Ada",
				"Domains": []string{"acme.link"},
			}})
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if !strings.Contains(html, "Ada") {
				t.Errorf("expected recipient name in body: %s", html)
			}
		})
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	if _, err := Render(Message{Template: "nope"}); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestRenderEscapesData(t *testing.T) {
	html, err := Render(Message{Template: TemplateUpgrade, Data: map[string]any{"Name": "<script>"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("expected escaped output, got %s", html)
	}
}

func TestResendMailer_Send(t *testing.T) {
	var got resendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"id":"em_1"}`))
	}))
	defer srv.Close()

	m := NewResendMailer(ResendConfig{BaseURL: srv.URL, APIKey: "re_key", From: "billing@example.com"}, srv.Client())
	err := m.Send(context.Background(), Message{
		To:       "owner@acme.com",
		Subject:  "Domain expired",
		Template: TemplateDomainExpired,
		Data:     map[string]any{"Name": "Owner", "Domains": []string{"acme.link", "acme.to"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer re_key" {
		t.Errorf("unexpected auth %q", auth)
	}
	if got.From != "billing@example.com" || len(got.To) != 1 || got.To[0] != "owner@acme.com" {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.Subject != "Domain expired" || !strings.Contains(got.HTML, "acme.to") {
		t.Errorf("unexpected content: %+v", got)
	}
}

func TestResendMailer_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from"}`))
	}))
	defer srv.Close()

	m := NewResendMailer(ResendConfig{BaseURL: srv.URL}, srv.Client())
	err := m.Send(context.Background(), Message{To: "a@b.c", Template: TemplateUpgrade})
	if err == nil || !strings.Contains(err.Error(), "invalid from") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

type fakeNATS struct {
	subject string
	data    []byte
	err     error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestNATSMailer_Send(t *testing.T) {
	conn := &fakeNATS{}
	m := NewNATSMailer(conn, "")
	msg := Message{To: "owner@acme.com", Subject: "Thank you", Template: TemplateUpgrade, Data: map[string]any{"Plan": "Pro"}}

	if err := m.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if conn.subject != DefaultSubject {
		t.Errorf("expected subject %s, got %s", DefaultSubject, conn.subject)
	}
	var decoded Message
	if err := json.Unmarshal(conn.data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.To != msg.To || decoded.Template != msg.Template || decoded.Data["Plan"] != "Pro" {
		t.Errorf("unexpected published message: %+v", decoded)
	}
}

func TestNATSMailer_PublishError(t *testing.T) {
	m := NewNATSMailer(&fakeNATS{err: errors.New("nats: connection closed")}, "mail")
	if err := m.Send(context.Background(), Message{To: "a@b.c", Template: TemplateUpgrade}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMailersRequireRecipient(t *testing.T) {
	mailers := map[string]Mailer{
		"log":    NewLogMailer(nil),
		"nats":   NewNATSMailer(&fakeNATS{}, ""),
		"resend": NewResendMailer(ResendConfig{}, nil),
	}
	for name, m := range mailers {
		t.Run(name, func(t *testing.T) {
			if err := m.Send(context.Background(), Message{Template: TemplateUpgrade}); !errors.Is(err, ErrNoRecipient) {
				t.Fatalf("expected ErrNoRecipient, got %v", err)
			}
		})
	}
}
