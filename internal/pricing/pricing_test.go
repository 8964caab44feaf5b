package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestComputeExtractsIncludedTaxFromSubtotal(t *testing.T) {
	items := []domain.LineItem{{ID: "p1", Name: "Kopi", Price: dec("100"), Quantity: 2, Type: domain.ItemTypeProduct}}

	totals := Compute(items, dec("20"))
	if !totals.Subtotal.Equal(dec("200")) {
		t.Fatalf("expected subtotal 200, got %s", totals.Subtotal)
	}
	if !totals.Tax.Equal(dec("14.81")) {
		t.Fatalf("expected tax 14.81, got %s", totals.Tax)
	}
	if !totals.Total.Equal(dec("180")) {
		t.Fatalf("expected total 180, got %s", totals.Total)
	}
}

func TestTaxDoesNotDependOnDiscount(t *testing.T) {
	items := []domain.LineItem{
		{ID: "p1", Price: dec("12.50"), Quantity: 3, Type: domain.ItemTypeProduct},
		{ID: "s1", Price: dec("40"), Quantity: 1, Type: domain.ItemTypeService},
	}
	noDiscount := Compute(items, decimal.Zero)
	withDiscount := Compute(items, dec("50"))
	if !noDiscount.Tax.Equal(withDiscount.Tax) {
		t.Fatalf("tax changed with discount: %s vs %s", noDiscount.Tax, withDiscount.Tax)
	}
	if !withDiscount.Total.Equal(withDiscount.Subtotal.Sub(dec("50"))) {
		t.Fatalf("expected total = subtotal - discount, got %s", withDiscount.Total)
	}
}

func TestDeriveStatus(t *testing.T) {
	total := dec("180")
	cases := map[string]string{
		"0":   domain.BillStatusPending,
		"90":  domain.BillStatusPartiallyPaid,
		"180": domain.BillStatusPaid,
		"200": domain.BillStatusPaid,
	}
	for paid, want := range cases {
		if got := DeriveStatus(total, dec(paid)); got != want {
			t.Fatalf("paid=%s: expected %s, got %s", paid, want, got)
		}
	}
}

func TestStoredPaidNeverExceedsTotal(t *testing.T) {
	if got := StoredPaid(dec("180"), dec("200")); !got.Equal(dec("180")) {
		t.Fatalf("expected capped paid 180, got %s", got)
	}
	if got := StoredPaid(dec("180"), dec("90")); !got.Equal(dec("90")) {
		t.Fatalf("expected paid 90, got %s", got)
	}
	if got := Change(dec("180"), dec("200")); !got.Equal(dec("20")) {
		t.Fatalf("expected change 20, got %s", got)
	}
}

func TestWeightedCost(t *testing.T) {
	got := WeightedCost(dec("10"), 10, dec("16"), 5)
	if !got.Equal(dec("12")) {
		t.Fatalf("expected weighted cost 12, got %s", got)
	}
	if got := WeightedCost(decimal.Zero, 0, dec("7.5"), 4); !got.Equal(dec("7.5")) {
		t.Fatalf("expected incoming cost when nothing on hand, got %s", got)
	}
	if got := WeightedCost(dec("9"), 3, decimal.Zero, 4); !got.Equal(dec("9")) {
		t.Fatalf("expected old cost for free batch, got %s", got)
	}
}
