package main

import (
	"errors"
	"testing"

	"refengine/internal/cli"
	"refengine/internal/queue"
	"refengine/internal/syncq"

	"github.com/shopspring/decimal"
)

func TestFormatBSK(t *testing.T) {
	cases := map[string]string{
		"0":                "0",
		"12.5":             "12.5",
		"1234567.12345678": "1,234,567.12345678",
		"-1000":            "-1,000",
		"100.10000000":     "100.1",
	}
	for in, want := range cases {
		if got := formatBSK(decimal.RequireFromString(in)); got != want {
			t.Fatalf("formatBSK(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  abcdef  ", 5); got != "ab..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("abc", 5); got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := parseAmount("0"); err == nil {
		t.Fatal("expected error for zero")
	}
	if _, err := parseAmount("abc"); err == nil {
		t.Fatal("expected error for text")
	}
	v, err := parseAmount(" 10.25 ")
	if err != nil || !v.Equal(decimal.RequireFromString("10.25")) {
		t.Fatalf("got %s, %v", v, err)
	}
}

func TestQueueOnNetworkError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tr := queue.Trigger{EventID: "evt-1", Kind: queue.KindCommission}

	apiErr := &cli.APIError{Status: 400, Message: "bad"}
	if err := queueOnNetworkError(apiErr, tr); !errors.Is(err, apiErr) {
		t.Fatalf("api error should pass through, got %v", err)
	}
	if err := queueOnNetworkError(errors.New("connection refused"), tr); err != nil {
		t.Fatalf("network error should be queued, got %v", err)
	}
	entries, err := syncq.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Trigger.EventID != "evt-1" {
		t.Fatalf("outbox = %#v", entries)
	}
}
