package okx

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeQuantity(t *testing.T) {
	tests := []struct {
		name        string
		sizeUSD     float64
		price       float64
		minSize     float64
		lotSize     float64
		minNotional float64
		want        string
		wantErr     bool
	}{
		{
			name:    "plain round down to lot step",
			sizeUSD: 100, price: 3, minSize: 1, lotSize: 1, minNotional: 20,
			want: "33",
		},
		{
			name:    "exact quantity unchanged",
			sizeUSD: 100, price: 50, minSize: 0.1, lotSize: 0.1, minNotional: 20,
			want: "2",
		},
		{
			name:    "below min size bumps up then grows to min notional",
			sizeUSD: 1, price: 50, minSize: 0.1, lotSize: 0.1, minNotional: 20,
			// 0.02 -> 0.1 (min size), value 5 < 20 -> 20/50 = 0.4
			want: "0.4",
		},
		{
			name:    "min notional growth rounds up to lot step",
			sizeUSD: 15, price: 7, minSize: 1, lotSize: 1, minNotional: 20,
			// 15/7 = 2.14, value 15 < 20 -> 20/7 = 2.86 -> ceil to 3
			want: "3",
		},
		{
			name:    "rounding down under the floor rejects",
			sizeUSD: 20.9, price: 19, minSize: 1, lotSize: 1, minNotional: 20,
			// 1.1 -> floor to 1 -> value 19 < 20
			wantErr: true,
		},
		{
			name:    "value exactly at minimum accepted",
			sizeUSD: 20, price: 10, minSize: 1, lotSize: 1, minNotional: 20,
			want: "2",
		},
		{
			name:    "fractional step avoids float drift",
			sizeUSD: 20, price: 0.1, minSize: 1, lotSize: 0.000001, minNotional: 20,
			want: "200",
		},
		{
			name:    "zero price rejected",
			sizeUSD: 20, price: 0, minSize: 1, lotSize: 1, minNotional: 20,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeQuantity(tt.sizeUSD, tt.price, tt.minSize, tt.lotSize, tt.minNotional)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected rejection, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeQuantity: %v", err)
			}
			want, _ := decimal.NewFromString(tt.want)
			if !got.Equal(want) {
				t.Errorf("quantity = %s, want %s", got, want)
			}
		})
	}
}

func TestStepRounding(t *testing.T) {
	q := decimal.RequireFromString("2.157")
	step := decimal.RequireFromString("0.01")

	if got := floorToStep(q, step); !got.Equal(decimal.RequireFromString("2.15")) {
		t.Errorf("floorToStep = %s, want 2.15", got)
	}
	if got := ceilToStep(q, step); !got.Equal(decimal.RequireFromString("2.16")) {
		t.Errorf("ceilToStep = %s, want 2.16", got)
	}

	// A zero step must pass the quantity through untouched.
	if got := floorToStep(q, decimal.Zero); !got.Equal(q) {
		t.Errorf("floorToStep with zero step = %s, want %s", got, q)
	}
}
