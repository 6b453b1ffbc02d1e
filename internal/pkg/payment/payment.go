package payment

import (
	"strings"
	"time"
)

// Status values a business record moves through. A record is created as
// StatusReceived and removed on consume; there is no other transition.
const (
	StatusReceived = "received"
	StatusConsumed = "consumed"
)

// SentinelPaymentID marks claims written for messages the parser could not
// recognize, so they are never reparsed.
const SentinelPaymentID = "unknown"

// Fact is one structured payment extracted from a notification message.
// Amount is kept as a decimal string normalized to two fractional digits.
type Fact struct {
	PaymentID    string    `json:"paymentId"`
	Amount       string    `json:"amount"`
	PaidAt       time.Time `json:"paidAt"`
	PayerEmail   string    `json:"payerEmail"`
	Phone        string    `json:"phone"`
	Method       string    `json:"method"`
	MerchantName string    `json:"merchantName"`
	Subject      string    `json:"subject"`
	MessageID    string    `json:"messageId"`
}

// Unparseable reports whether the fact carries neither a payment id nor an
// amount, which classifies the source message as unrecognized.
func (f *Fact) Unparseable() bool {
	return f.PaymentID == "" && f.Amount == ""
}

// NormalizeAmount coerces an amount string to exactly two fractional digits:
// non-digit/non-dot characters are stripped, a missing fraction is padded with
// zeros and excess precision is truncated (not rounded). Empty or fully
// non-numeric input normalizes to "". The function is idempotent.
func NormalizeAmount(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "." {
		return ""
	}

	intPart, frac, hasDot := strings.Cut(cleaned, ".")
	if intPart == "" {
		intPart = "0"
	}
	if hasDot {
		// a second dot would make the fraction non-numeric; drop everything after it
		if i := strings.IndexByte(frac, '.'); i >= 0 {
			frac = frac[:i]
		}
	}
	switch {
	case len(frac) == 0:
		frac = "00"
	case len(frac) == 1:
		frac += "0"
	case len(frac) > 2:
		frac = frac[:2]
	}
	return intPart + "." + frac
}

// NormalizeEmail trims surrounding whitespace and lowercases the address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
