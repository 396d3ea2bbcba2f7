package billing

import (
	"encoding/json"
	"testing"
)

func TestOrganizationPricingTable(t *testing.T) {
	t.Parallel()

	pt := OrganizationPricingTable()
	if pt.For != SubjectOrganization {
		t.Fatalf("For=%q, want organization", pt.For)
	}
	if got := pt.Appearance.Variables["colorPrimary"]; got != "#0CA94C" {
		t.Fatalf("colorPrimary=%q", got)
	}

	// Callers may tweak their copy without affecting the next one.
	pt.Appearance.Variables["colorPrimary"] = "#000000"
	if got := OrganizationPricingTable().Appearance.Variables["colorPrimary"]; got != "#0CA94C" {
		t.Fatalf("colorPrimary leaked between calls: %q", got)
	}
}

func TestBillingView_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(BillingView())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out struct {
		Title string `json:"title"`
		Table struct {
			For        string `json:"for"`
			Appearance struct {
				BaseTheme string `json:"baseTheme"`
			} `json:"appearance"`
		} `json:"pricing_table"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Title != "Plans & Billing" || out.Table.For != "organization" || out.Table.Appearance.BaseTheme != "dark" {
		t.Fatalf("view=%s", b)
	}
}
