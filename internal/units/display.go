package units

import (
	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatNumber groups thousands: 1234567 -> "1,234,567".
func FormatNumber(n int64) string {
	return printer.Sprintf("%d", n)
}

// FormatBytes renders a byte count with binary prefixes.
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}

// TruncateHash keeps the first head and last tail characters of a hash or
// address, joined by an ellipsis. Short inputs are returned unchanged.
func TruncateHash(s string, head, tail int) string {
	if head < 0 || tail < 0 || head+tail >= len(s) {
		return s
	}
	return s[:head] + "..." + s[len(s)-tail:]
}
