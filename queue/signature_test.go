package queue

import (
	"errors"
	"testing"
	"time"
)

func TestSignatureRoundTrip(t *testing.T) {
	s := NewSigner("current-key", time.Minute)
	body := []byte(`{"invoiceId":"inv_1"}`)
	url := "https://app.example.com/api/cron/invoices/retry-failed"

	sig, err := s.Sign(url, body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v := NewVerifier("current-key", "")
	if err := v.Verify(sig, url, body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := v.Verify(sig, "", body); err != nil {
		t.Fatalf("Verify without url: %v", err)
	}
}

func TestSignatureRejects(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSigner("k1", time.Minute)
	s.now = func() time.Time { return now }
	body := []byte(`{"invoiceId":"inv_1"}`)
	sig, _ := s.Sign("https://a/retry", body)

	tests := []struct {
		name     string
		verifier *Verifier
		sig      string
		url      string
		body     []byte
		at       time.Time
	}{
		{"tampered body", NewVerifier("k1", ""), sig, "https://a/retry", []byte(`{"invoiceId":"inv_2"}`), now},
		{"wrong url", NewVerifier("k1", ""), sig, "https://a/other", body, now},
		{"wrong key", NewVerifier("k2", ""), sig, "https://a/retry", body, now},
		{"expired", NewVerifier("k1", ""), sig, "https://a/retry", body, now.Add(10 * time.Minute)},
		{"empty signature", NewVerifier("k1", ""), "", "https://a/retry", body, now},
		{"no keys", NewVerifier("", ""), sig, "https://a/retry", body, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			tt.verifier.now = func() time.Time { return at }
			if err := tt.verifier.Verify(tt.sig, tt.url, tt.body); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestSignatureKeyRotation(t *testing.T) {
	body := []byte(`{}`)
	sig, err := NewSigner("next-key", time.Minute).Sign("https://a", body)
	if err != nil {
		t.Fatal(err)
	}
	if err := NewVerifier("current-key", "next-key").Verify(sig, "https://a", body); err != nil {
		t.Fatalf("expected next key to verify, got %v", err)
	}
}

func TestSignerHeaders(t *testing.T) {
	h, err := NewSigner("k", 0).Headers("https://a", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if h[SignatureHeader] == "" {
		t.Fatalf("expected %s header, got %v", SignatureHeader, h)
	}
}
