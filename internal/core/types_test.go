package core

import "testing"

func TestCanonicalID_Parts(t *testing.T) {
	id := NewCanonicalID(MarketHK, KindStock, "00700")
	if id != "HK:STOCK:00700" {
		t.Fatalf("unexpected id %s", id)
	}
	if id.Market() != MarketHK || id.Kind() != KindStock || id.Code() != "00700" {
		t.Errorf("parts mismatch: %s %s %s", id.Market(), id.Kind(), id.Code())
	}
}

func TestLooksCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"US:STOCK:AAPL", true},
		{"cn:stock:600519", true},
		{"WORLD:CRYPTO:BTC", true},
		{"AAPL", false},
		{"XX:STOCK:AAPL", false},
		{"US:BOND:T", false},
		{"0700.HK", false},
	}
	for _, tt := range tests {
		if got := LooksCanonical(tt.in); got != tt.want {
			t.Errorf("LooksCanonical(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSplitCanonical(t *testing.T) {
	m, k, code, err := SplitCanonical("us:index:^gspc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != MarketUS || k != KindIndex || code != "^gspc" {
		t.Errorf("got %s %s %s", m, k, code)
	}
	if _, _, _, err := SplitCanonical("nope"); err == nil {
		t.Error("expected error for non-canonical input")
	}
}

func TestPeriod(t *testing.T) {
	if !Period5m.IsMinute() || Period1d.IsMinute() {
		t.Error("IsMinute mismatch")
	}
	if !Period1d.IsBar() || PeriodFundamentals.IsBar() {
		t.Error("IsBar mismatch")
	}
	if Period15m.Duration().Minutes() != 15 {
		t.Error("duration mismatch")
	}
}

func TestMarketCurrency(t *testing.T) {
	if MarketHK.Currency() != "HKD" || MarketCN.Currency() != "CNY" || MarketUS.Currency() != "USD" {
		t.Error("currency mismatch")
	}
}
