package dispatch

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/rewired-gh/perpwatch/internal/models"
	"github.com/rewired-gh/perpwatch/internal/policy"
)

// MaxMessageLength is the Telegram text limit in UTF-16 code units.
const MaxMessageLength = 4096

// Escape escapes special characters for Telegram MarkdownV2.
func Escape(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// Escapef formats then escapes.
func Escapef(format string, args ...interface{}) string {
	return Escape(fmt.Sprintf(format, args...))
}

// textLength counts UTF-16 code units, which is how Telegram measures limits.
func textLength(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// FormatMarketCap renders a dollar amount with B/M suffixes.
func FormatMarketCap(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.2fM", v/1e6)
	default:
		return "$" + groupThousands(v)
	}
}

// groupThousands renders v rounded to an integer with comma separators.
func groupThousands(v float64) string {
	neg := v < 0
	s := fmt.Sprintf("%.0f", math.Abs(v))
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func fundingText(ev models.AlertEvent) string {
	if ev.FundingRate == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.4f%%", *ev.FundingRate*100)
}

func oiRatioText(ev models.AlertEvent) string {
	if ev.OIRatio == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2fx", *ev.OIRatio)
}

func directionEmoji(ev models.AlertEvent) string {
	if ev.FundingRate != nil && *ev.FundingRate < 0 {
		return "🔻"
	}
	return "🔺"
}

// formatEntry renders one numbered event line of the combined message.
func formatEntry(i int, ev models.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\\. `%s` %s funding *%s*\n", i, Escape(ev.Symbol), directionEmoji(ev), Escape(fundingText(ev)))
	fmt.Fprintf(&b, "   📈 OI ratio: %s", Escape(oiRatioText(ev)))
	if ev.MarketCap != nil {
		fmt.Fprintf(&b, " · 💰 %s \\(%s cap\\)", Escape(FormatMarketCap(*ev.MarketCap)), Escape(string(ev.Tier)))
	}
	b.WriteString("\n")
	return b.String()
}

func batchHeader(count int, at time.Time, part int) string {
	title := fmt.Sprintf("🚨 *Funding Alerts* \\(%d\\)", count)
	if part > 1 {
		title += fmt.Sprintf(" \\- part %d", part)
	}
	return fmt.Sprintf("%s\n📅 Detected: %s\n\n", title, Escape(at.Format("2006-01-02 15:04:05")))
}

// Chunk is one message of a combined notification and the events it lists.
type Chunk struct {
	Text   string
	Events int
}

// FormatBatch renders ordered events into as few MarkdownV2 messages as the length limit allows.
func FormatBatch(events []models.AlertEvent, at time.Time) []Chunk {
	if len(events) == 0 {
		return nil
	}
	var chunks []Chunk
	part := 1
	cur := Chunk{Text: batchHeader(len(events), at, part)}
	for i, ev := range events {
		entry := formatEntry(i+1, ev)
		if cur.Events > 0 && textLength(cur.Text)+textLength(entry) > MaxMessageLength {
			chunks = append(chunks, cur)
			part++
			cur = Chunk{Text: batchHeader(len(events), at, part)}
		}
		cur.Text += entry
		cur.Events++
	}
	return append(chunks, cur)
}

// FormatSingle renders one event as a standalone alert. It also serves as the chart caption.
func FormatSingle(ev models.AlertEvent, th policy.Thresholds) string {
	var b strings.Builder
	b.WriteString("🚨 *Funding Alert*\n\n")
	fmt.Fprintf(&b, "💱 Symbol: `%s`\n", Escape(ev.Symbol))
	fmt.Fprintf(&b, "📊 Funding rate: *%s*\n", Escape(fundingText(ev)))
	fmt.Fprintf(&b, "📈 OI ratio: %s\n", Escape(oiRatioText(ev)))
	fmt.Fprintf(&b, "📦 Open interest: %s\n", Escape(groupThousands(ev.OpenInterest)))
	if ev.MarketCap != nil {
		fmt.Fprintf(&b, "💰 Market cap: %s \\(%s cap\\)\n", Escape(FormatMarketCap(*ev.MarketCap)), Escape(string(ev.Tier)))
	}
	b.WriteString("\n")
	if ev.Tier == models.TierLarge || !th.Tiered {
		fmt.Fprintf(&b, "Trigger: \\|funding\\| \\> %s and OI ratio \\> %s\n",
			Escapef("%.4f%%", th.FundingRate*100), Escapef("%.2fx", th.OIRatio))
	} else {
		fmt.Fprintf(&b, "Trigger: \\|funding\\| \\> %s\n", Escapef("%.4f%%", th.FundingRate*100))
	}
	fmt.Fprintf(&b, "⏰ %s", Escape(ev.DetectedAt.Format("2006-01-02 15:04:05")))
	return b.String()
}
