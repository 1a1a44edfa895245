package agg

import (
	"testing"
	"time"
)

func TestParseWindow(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"last_7d", 7 * 24 * time.Hour, false},
		{"last_5h", 5 * time.Hour, false},
		{"last_90m", 90 * time.Minute, false},
		{"last_30s", 30 * time.Second, false},
		{"5h", 5 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"2d", 48 * time.Hour, false},
		{"", 0, true},
		{"last_", 0, true},
		{"0s", 0, true},
		{"-5m", 0, true},
		{"1.5d", 0, true},
		{"sevendays", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseWindow(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWindow(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseWindow(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatWindow(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{7 * 24 * time.Hour, "7d"},
		{24 * time.Hour, "1d"},
		{5 * time.Hour, "5h0m0s"},
		{90 * time.Minute, "1h30m0s"},
	}
	for _, tt := range tests {
		if got := FormatWindow(tt.d); got != tt.want {
			t.Errorf("FormatWindow(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestParseWindow_RoundTrip(t *testing.T) {
	for _, s := range []string{"7d", "5h0m0s", "1h30m0s", "30s"} {
		d, err := ParseWindow(s)
		if err != nil {
			t.Fatalf("ParseWindow(%q) error = %v, want nil", s, err)
		}
		if got := FormatWindow(d); got != s {
			t.Errorf("FormatWindow(ParseWindow(%q)) = %q", s, got)
		}
	}
}
