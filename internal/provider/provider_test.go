package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in    string
		want  string
		valid bool
	}{
		{"+15551234567", "+15551234567", true},
		{"15551234567", "+15551234567", true},
		{"+44 7911 123456", "+447911123456", true},
		{"(555) 123-4567", "+5551234567", true},
		{"+1555123", "+1555123", true},
		{"0123456789", "", false}, // leading zero
		{"abc", "", false},
		{"", "", false},
		{"+1234567890123456", "", false}, // too long
	}
	for _, c := range cases {
		got, ok := NormalizePhone(c.in)
		if ok != c.valid {
			t.Errorf("NormalizePhone(%q) valid = %v, want %v", c.in, ok, c.valid)
			continue
		}
		if ok && got != c.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPartCount(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", 1},
		{"short", "hello", 1},
		{"exactly one part", strings.Repeat("a", 160), 1},
		{"just over one part", strings.Repeat("a", 161), 2},
		{"two full parts", strings.Repeat("a", 306), 2},
		{"three parts", strings.Repeat("a", 307), 3},
		{"short unicode", "héllo 😀", 1},
		{"unicode over limit", strings.Repeat("😀", 71), 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := PartCount(c.body); got != c.want {
				t.Errorf("PartCount() = %d, want %d", got, c.want)
			}
		})
	}
}

func TestEstimateCost(t *testing.T) {
	// Two GSM-7 parts at Twilio's per-part price
	body := strings.Repeat("a", 200)
	got := EstimateCost(KindTwilio, body)
	want := 0.0075 * 2
	if got != want {
		t.Errorf("EstimateCost() = %f, want %f", got, want)
	}
}

func TestTwilioSender_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.FormValue("To"); got != "+15551234567" {
			t.Errorf("To = %q", got)
		}
		if got := r.FormValue("From"); got != "+15550000000" {
			t.Errorf("From = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid": "SM123abc", "price": "-0.0075"}`))
	}))
	defer server.Close()

	sender := NewTwilioSender("AC_test", "token", "+15550000000")
	sender.baseURL = server.URL

	result, err := sender.Send(context.Background(), &SMS{
		Phone: "+15551234567",
		Body:  "hello",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !result.Accepted {
		t.Fatal("Send() should be accepted")
	}
	if result.ProviderMessageID != "SM123abc" {
		t.Errorf("ProviderMessageID = %q", result.ProviderMessageID)
	}
	if result.Cost != 0.0075 {
		t.Errorf("Cost = %f, want 0.0075", result.Cost)
	}
}

func TestTwilioSender_Rejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": 21211, "message": "Invalid 'To' Phone Number"}`))
	}))
	defer server.Close()

	sender := NewTwilioSender("AC_test", "token", "+15550000000")
	sender.baseURL = server.URL

	result, err := sender.Send(context.Background(), &SMS{Phone: "bad", Body: "hi"})
	if err != nil {
		t.Fatalf("rejection must not surface as an error: %v", err)
	}
	if result.Accepted {
		t.Fatal("rejected message reported as accepted")
	}
	if result.Err == nil {
		t.Fatal("rejection should carry the gateway error detail")
	}
}

func TestTwilioSender_Outage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sender := NewTwilioSender("AC_test", "token", "+15550000000")
	sender.baseURL = server.URL

	_, err := sender.Send(context.Background(), &SMS{Phone: "+15551234567", Body: "hi"})
	if !IsOutage(err) {
		t.Fatalf("5xx should be an outage, got %v", err)
	}
}

func TestVonageSender_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages": [{"status": "0", "message-id": "0A001", "message-price": "0.0048"}]}`))
	}))
	defer server.Close()

	sender := NewVonageSender("key", "secret", "TextPulse")
	sender.baseURL = server.URL

	result, err := sender.Send(context.Background(), &SMS{Phone: "+15551234567", Body: "hi"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !result.Accepted || result.ProviderMessageID != "0A001" {
		t.Errorf("result = %+v", result)
	}
	if result.Cost != 0.0048 {
		t.Errorf("Cost = %f, want gateway-reported 0.0048", result.Cost)
	}
}

func TestVonageSender_StatusRejection(t *testing.T) {
	// Vonage reports rejections inside a 200 response
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages": [{"status": "6", "error-text": "Unroutable Destination"}]}`))
	}))
	defer server.Close()

	sender := NewVonageSender("key", "secret", "TextPulse")
	sender.baseURL = server.URL

	result, err := sender.Send(context.Background(), &SMS{Phone: "+15551234567", Body: "hi"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if result.Accepted {
		t.Fatal("non-zero status must be a rejection")
	}
}
