package delivery_test

import (
	"bufio"
	"strings"
	"testing"

	"raven/internal/delivery/parser"
)

func TestParseMessageBasics(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: Test Message\r\n" +
		"Date: Mon, 01 Jan 2024 12:00:00 +0000\r\n" +
		"Message-Id: <test123@example.com>\r\n" +
		"\r\n" +
		"This is a test message body.\r\n"

	msg, err := parser.ParseMessageFromBytes([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessageFromBytes: %v", err)
	}
	if msg.From != "sender@example.com" {
		t.Errorf("From = %q", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0] != "recipient@example.com" {
		t.Errorf("To = %v", msg.To)
	}
	if msg.Subject != "Test Message" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.MessageID != "<test123@example.com>" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if !strings.Contains(msg.Body, "test message body") {
		t.Errorf("Body = %q", msg.Body)
	}
	if msg.Size != int64(len(raw)) {
		t.Errorf("Size = %d, want %d", msg.Size, len(raw))
	}
}

func TestParseMessageCollectsAllRecipientFields(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: one@example.com, two@example.com\r\n" +
		"Cc: three@example.com\r\n" +
		"Bcc: four@example.com\r\n" +
		"Subject: fan-out\r\n" +
		"\r\nbody\r\n"

	msg, err := parser.ParseMessageFromBytes([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessageFromBytes: %v", err)
	}
	if len(msg.To) != 4 {
		t.Errorf("recipients = %v, want 4 entries", msg.To)
	}
}

func TestParseMessageRejectsHeaderlessMail(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no From", "To: b@example.com\r\nSubject: x\r\n\r\nbody\r\n"},
		{"no recipients", "From: a@example.com\r\nSubject: x\r\n\r\nbody\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parser.ParseMessageFromBytes([]byte(tc.raw)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestValidateMessage(t *testing.T) {
	good := &parser.Message{From: "a@b.com", To: []string{"c@d.com"}, Size: 100}
	if err := parser.ValidateMessage(good, 1000); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}

	cases := []struct {
		name string
		msg  *parser.Message
		max  int64
	}{
		{"missing From", &parser.Message{To: []string{"c@d.com"}, Size: 10}, 1000},
		{"missing recipients", &parser.Message{From: "a@b.com", Size: 10}, 1000},
		{"oversize", &parser.Message{From: "a@b.com", To: []string{"c@d.com"}, Size: 2000}, 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := parser.ValidateMessage(tc.msg, tc.max); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestExtractEnvelopeRecipient(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"user@example.com", "user@example.com", true},
		{"<user@example.com>", "user@example.com", true},
		{`"Some User" <user@example.com>`, "user@example.com", true},
		{"not-an-address", "", false},
		{"<broken", "", false},
	}
	for _, tc := range cases {
		got, err := parser.ExtractEnvelopeRecipient(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ExtractEnvelopeRecipient(%q) = %q, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ExtractEnvelopeRecipient(%q) should fail", tc.in)
		}
	}
}

func TestExtractLocalPartAndDomain(t *testing.T) {
	local, err := parser.ExtractLocalPart("user@example.com")
	if err != nil || local != "user" {
		t.Errorf("ExtractLocalPart = %q, %v", local, err)
	}
	domain, err := parser.ExtractDomain("user@example.com")
	if err != nil || domain != "example.com" {
		t.Errorf("ExtractDomain = %q, %v", domain, err)
	}
	for _, bad := range []string{"no-at-sign", "two@at@signs"} {
		if _, err := parser.ExtractLocalPart(bad); err == nil {
			t.Errorf("ExtractLocalPart(%q) should fail", bad)
		}
		if _, err := parser.ExtractDomain(bad); err == nil {
			t.Errorf("ExtractDomain(%q) should fail", bad)
		}
	}
}

func TestReadDataCommand(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"two lines", "Line 1\r\nLine 2\r\n.\r\n", "Line 1\r\nLine 2\r\n", false},
		{"dot-stuffed", "..Line 1\r\n.\r\n", ".Line 1\r\n", false},
		{"empty body", ".\r\n", "", false},
		{"bare LF terminator", "x\n.\n", "x\n", false},
		{"oversize", strings.Repeat("a", 100) + "\r\n.\r\n", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tc.input))
			got, err := parser.ReadDataCommand(r, 50)
			if tc.wantErr {
				if err == nil {
					t.Error("expected size error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadDataCommand: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
