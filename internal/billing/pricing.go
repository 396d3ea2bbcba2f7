package billing

// Subject names who a pricing table is shown for.
type Subject string

const (
	SubjectOrganization Subject = "organization"
	SubjectUser         Subject = "user"
)

type Appearance struct {
	BaseTheme string            `json:"baseTheme"`
	Variables map[string]string `json:"variables"`
	Elements  map[string]string `json:"elements"`
}

// PricingTable is the descriptor handed to the hosted billing provider's pricing component.
type PricingTable struct {
	For        Subject    `json:"for"`
	Appearance Appearance `json:"appearance"`
}

// View is the billing page: a heading over one pricing table.
type View struct {
	Title    string       `json:"title"`
	Subtitle string       `json:"subtitle"`
	Table    PricingTable `json:"pricing_table"`
}

const primaryColor = "#0CA94C"

// OrganizationPricingTable returns the dark-themed table used on the billing page.
// Each call returns fresh maps.
func OrganizationPricingTable() PricingTable {
	return PricingTable{
		For: SubjectOrganization,
		Appearance: Appearance{
			BaseTheme: "dark",
			Variables: map[string]string{
				"colorPrimary":         primaryColor,
				"colorBackground":      "hsl(var(--background))",
				"colorInputBackground": "hsl(var(--background))",
				"colorText":            "hsl(var(--foreground))",
				"colorTextSecondary":   "hsl(var(--foreground))",
				"colorInputText":       "hsl(var(--foreground))",
				"borderRadius":         "0.5rem",
			},
			Elements: map[string]string{
				"pricingTableCard":       "shadow-none! border! rounded-lg! bg-card!",
				"pricingTableCardHeader": "bg-[#171717]! text-card-foreground!",
				"pricingTableCardBody":   "bg-[#171717]! text-card-foreground!",
				"pricingTableCardFooter": "bg-[#171717]! text-card-foreground!",
				"pricingTableButton":     "bg-primary! text-primary-foreground! hover:bg-primary/90!",
				"pricingTableBadge":      "bg-primary! text-primary-foreground!",
			},
		},
	}
}

func BillingView() View {
	return View{
		Title:    "Plans & Billing",
		Subtitle: "Choose the plan that's right for you",
		Table:    OrganizationPricingTable(),
	}
}
