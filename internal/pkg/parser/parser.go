package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gofiber/fiber/v2/log"

	"github.com/eventspay/payverif/internal/pkg/mailbox"
	"github.com/eventspay/payverif/internal/pkg/payment"
)

var (
	paymentIDPattern = regexp.MustCompile(`(?i)(pay_[A-Za-z0-9_\-]+)`)
	amountPattern    = regexp.MustCompile(`(?i)₹\s*([0-9,]+(?:\.[0-9]{1,2})?)|Rs\.?\s*([0-9,]+(?:\.[0-9]{1,2})?)`)
	emailPattern     = regexp.MustCompile(`([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
	phonePattern     = regexp.MustCompile(`(?:\+?91[\-\s]?)?(\d{10})`)
	isoDatePattern   = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}[T\s]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:?\d{2})?)`)
	ordinalPattern   = regexp.MustCompile(`(?i)(\d{1,2})(st|nd|rd|th)`)
)

var paidOnLayouts = []string{
	"2 Jan, 2006 03:04:05 PM UTC-07:00",
	"2 Jan, 2006 03:04 PM UTC-07:00",
	"2 Jan, 2006 03:04:05 PM UTCZ07:00",
	"2 Jan, 2006 03:04 PM UTCZ07:00",
	"2 Jan, 2006",
	"2 Jan 2006",
}

// Parse turns one raw message into a structured payment fact. It is a pure
// function of the message content and returns nil when neither a payment id
// nor an amount can be recovered.
func Parse(msg *mailbox.Message) *payment.Fact {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(msg.Body))
	if err != nil {
		log.Warnf("[Parser] failed to parse message body (mid=%s): %v", msg.MessageID, err)
		return nil
	}
	docText := doc.Text()
	haystack := docText + " " + msg.Subject + " " + msg.Body

	paymentID := extractPaymentID(doc, haystack)
	amount := extractAmount(doc, haystack)
	if paymentID == "" && amount == "" {
		log.Debugf("[Parser] no payment id or amount in message %s", msg.MessageID)
		return nil
	}

	return &payment.Fact{
		PaymentID:    paymentID,
		Amount:       payment.NormalizeAmount(amount),
		PaidAt:       extractPaidOn(docText, msg),
		PayerEmail:   extractPayerEmail(doc, msg),
		Phone:        extractPhone(docText, msg.Body),
		Method:       extractMethod(doc, docText+" "+msg.Body),
		MerchantName: extractMerchant(doc),
		Subject:      msg.Subject,
		MessageID:    msg.MessageID,
	}
}

func extractMerchant(doc *goquery.Document) string {
	sel := doc.Find("h2, .branding-content, .header h2, .title-content, .content-element").First()
	return strings.TrimSpace(sel.Text())
}

func extractPaymentID(doc *goquery.Document, haystack string) string {
	if m := paymentIDPattern.FindStringSubmatch(haystack); m != nil {
		return m[1]
	}
	// fallback: structured rows labelled with the payment id
	info := doc.Find(".information-row, .merchant-highlight, .card").First()
	if m := paymentIDPattern.FindStringSubmatch(info.Text()); m != nil {
		return m[1]
	}
	return ""
}

func extractAmount(doc *goquery.Document, haystack string) string {
	if m := amountPattern.FindStringSubmatch(haystack); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	if sel := doc.Find(".amount, .rupees, .symbol").First(); sel.Length() > 0 {
		return sel.Text()
	}
	return ""
}

// extractPaidOn recovers the payment timestamp: a "Paid On" marker in the
// rendered text first, then any ISO timestamp, then the message sent date,
// defaulting to now.
func extractPaidOn(docText string, msg *mailbox.Message) time.Time {
	const marker = "Paid On"
	if i := strings.Index(docText, marker); i >= 0 {
		after := strings.TrimSpace(docText[i+len(marker):])
		if ts, ok := tryParsePaidOn(after); ok {
			return ts
		}
	}

	if m := isoDatePattern.FindStringSubmatch(docText); m != nil {
		cand := strings.Replace(m[1], " ", "T", 1)
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
			if ts, err := time.Parse(layout, cand); err == nil {
				return ts
			}
		}
	}

	if !msg.SentAt.IsZero() {
		return msg.SentAt
	}
	return time.Now().UTC()
}

func tryParsePaidOn(s string) (time.Time, bool) {
	s = ordinalPattern.ReplaceAllString(s, "$1")
	for _, layout := range paidOnLayouts {
		// the rendered text may run on after the date; trim to layout length
		cand := s
		if len(cand) > len(layout)+4 {
			cand = cand[:len(layout)+4]
		}
		cand = strings.TrimSpace(cand)
		for len(cand) > 0 {
			if ts, err := time.Parse(layout, cand); err == nil {
				return ts.UTC(), true
			}
			// retry with one trailing token stripped
			i := strings.LastIndexByte(cand, ' ')
			if i < 0 {
				break
			}
			cand = strings.TrimRight(cand[:i], " ,")
		}
	}
	return time.Time{}, false
}

func extractPayerEmail(doc *goquery.Document, msg *mailbox.Message) string {
	sel := doc.Find(".information-row:contains('Email') .value, .card:contains('Email') .value").First()
	if m := emailPattern.FindStringSubmatch(sel.Text()); m != nil {
		return strings.ToLower(m[1])
	}
	if m := emailPattern.FindStringSubmatch(msg.Body); m != nil {
		return strings.ToLower(m[1])
	}
	if msg.From != "" {
		return strings.ToLower(msg.From)
	}
	return ""
}

func extractPhone(docText, raw string) string {
	if m := phonePattern.FindStringSubmatch(docText); m != nil {
		return m[1]
	}
	if m := phonePattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

func extractMethod(doc *goquery.Document, haystack string) string {
	sel := doc.Find(".information-row:contains('Method') .value").First()
	if txt := strings.TrimSpace(sel.Text()); txt != "" {
		return txt
	}
	lower := strings.ToLower(haystack)
	if strings.Contains(lower, "upi") {
		return "UPI"
	}
	if strings.Contains(lower, "card") {
		return "CARD"
	}
	return ""
}
