package mailing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/osteele/liquid"

	"github.com/ignite/invoice-relay/internal/schema"
)

// bodyTemplate is the outbound mail body. Optional fields arrive through
// the details rows so empty extractions never leave dangling labels.
const bodyTemplate = `An invoice from {{ vendor_name }} has been routed by the invoice relay.

Vendor: {{ vendor_name }}
{% if invoice_amount != "" %}Amount: {{ invoice_amount | money: currency }}
{% endif %}{% for row in details %}{{ row.label }}: {{ row.value }}
{% endfor %}{% if status_note != "" %}
{{ status_note }}
{% endif %}{% if duplicate_note != "" %}
{{ duplicate_note }}
{% endif %}
Transaction: {{ transaction_id }}
{% if blob_url != "" %}Archived copy: {{ blob_url }}
{% endif %}{% if relay_link != "" %}Relay record: {{ relay_link }}
{% endif %}
The original invoice document is attached. This mailbox is not monitored;
contact the accounts-payable team with questions.
`

// Composer renders outbound invoice mail. The body template is parsed once
// at construction; Compose is safe for concurrent use.
type Composer struct {
	tpl     *liquid.Template
	baseURL string
}

// NewComposer builds the composer. baseURL, when set, is the relay's own
// public URL and produces a per-transaction link in mail bodies.
func NewComposer(baseURL string) (*Composer, error) {
	engine := liquid.NewEngine()
	engine.RegisterFilter("money", FormatAmount)

	tpl, err := engine.ParseString(bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing mail body template: %w", err)
	}

	return &Composer{
		tpl:     tpl,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Compose renders the outbound mail for a routed invoice. txID is the
// transaction identifier recorded for this routing; it is referenced in
// the body so the recipient can quote it back. The PDF is attached
// unmodified.
func (c *Composer) Compose(inv *schema.EnrichedInvoice, txID, pdfName string, pdf []byte) (*OutboundMail, error) {
	if inv.RecipientEmail == "" {
		return nil, fmt.Errorf("invoice %s has no routing recipient", inv.ID)
	}

	details := make([]map[string]interface{}, 0, 8)
	add := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		details = append(details, map[string]interface{}{"label": label, "value": value})
	}
	add("Due date", inv.DueDate)
	add("Payment terms", inv.PaymentTerms)
	add("GL code", inv.GLCode)
	add("Expense department", inv.ExpenseDept)
	add("Allocation schedule", inv.AllocationSchedule)
	add("Billing party", inv.BillingParty)
	add("Received from", inv.Sender)
	add("Original subject", inv.Subject)

	bindings := map[string]interface{}{
		"vendor_name":    displayVendor(inv),
		"invoice_amount": strings.TrimSpace(inv.InvoiceAmount),
		"currency":       inv.Currency,
		"details":        details,
		"status_note":    statusNote(inv),
		"duplicate_note": duplicateNote(inv),
		"transaction_id": txID,
		"blob_url":       blobLink(inv.BlobURL),
		"relay_link":     c.link(txID),
	}

	body, err := c.tpl.RenderString(bindings)
	if err != nil {
		return nil, fmt.Errorf("rendering mail body: %w", err)
	}

	name := pdfName
	if name == "" {
		name = "invoice.pdf"
	}

	return &OutboundMail{
		To:             inv.RecipientEmail,
		Subject:        Subject(inv),
		Body:           body,
		AttachmentName: name,
		AttachmentType: "application/pdf",
		Attachment:     pdf,
	}, nil
}

// Subject builds the standardized subject line for a routed invoice.
func Subject(inv *schema.EnrichedInvoice) string {
	amount := FormatAmount(inv.InvoiceAmount, inv.Currency)
	if amount == "" {
		amount = "amount unknown"
	}
	subject := fmt.Sprintf("Invoice — %s — %s", displayVendor(inv), amount)
	if inv.Status == schema.StatusUnknown {
		subject += " [unknown vendor]"
	}
	return subject
}

func displayVendor(inv *schema.EnrichedInvoice) string {
	if v := strings.TrimSpace(inv.VendorName); v != "" {
		return v
	}
	return "Unknown Vendor"
}

func statusNote(inv *schema.EnrichedInvoice) string {
	if inv.Status != schema.StatusUnknown {
		return ""
	}
	return "This vendor is not registered in the vendor master. Reply with " +
		"completed registration details to enable automatic routing."
}

func duplicateNote(inv *schema.EnrichedInvoice) string {
	if inv.DuplicateOfTransactionID == "" {
		return ""
	}
	return fmt.Sprintf("A similar invoice from this vendor was processed recently "+
		"(transaction %s). Verify before paying.", inv.DuplicateOfTransactionID)
}

func blobLink(blobURL string) string {
	if blobURL == "" || blobURL == schema.BlobNone {
		return ""
	}
	return blobURL
}

func (c *Composer) link(txID string) string {
	if c.baseURL == "" || txID == "" {
		return ""
	}
	return c.baseURL + "/transactions/" + txID
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// FormatAmount renders an extracted decimal amount for subjects and mail
// bodies: ("1234.5", "USD") becomes "$1,234.50". Currencies without a
// mapped symbol trail the ISO code. Amounts that do not parse pass through
// unchanged so the reader still sees what was extracted.
func FormatAmount(amount, currency string) string {
	amt := strings.TrimSpace(amount)
	if amt == "" {
		return ""
	}

	f, err := strconv.ParseFloat(strings.ReplaceAll(amt, ",", ""), 64)
	if err != nil {
		return amt
	}

	formatted := groupThousands(f)
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if sym, ok := currencySymbols[cur]; ok {
		return sym + formatted
	}
	if cur == "" {
		return formatted
	}
	return formatted + " " + cur
}

func groupThousands(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	out := b.String() + "." + frac
	if neg {
		return "-" + out
	}
	return out
}
