package reportutils

// This package exposes a number of tools that facilitate consistent
// formatting in log reports and the end-of-run summary.

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const decimalPrecision = 2

var realNumFmtPattern = "%." + strconv.Itoa(decimalPrecision) + "f"

var printer = message.NewPrinter(language.AmericanEnglish)

type realNum interface {
	constraints.Float | constraints.Integer
}

// DurationToHMS stringifies `duration` as, e.g., "1h 22m 3.23s".
// It’s a lot like Duration.String(), but with spaces between,
// and the lowest unit shown is always the second.
func DurationToHMS(duration time.Duration) string {

	hours := int(math.Floor(duration.Hours()))
	minutes := int(math.Floor(duration.Minutes())) % 60

	secs := math.Mod(duration.Seconds(), 60)

	str := FmtReal(secs) + "s"

	if hours > 0 {
		str = fmt.Sprintf("%dh %dm %s", hours, minutes, str)
	} else if minutes > 0 {
		str = fmt.Sprintf("%dm %s", minutes, str)
	}

	return str
}

// FmtReal provides a standard formatting of real numbers, with a consistent
// precision and trailing decimal zeros removed.
func FmtReal[T realNum](num T) string {
	return printer.Sprintf(realNumFmtPattern, num)
}

// FmtCount formats an integer count with thousands separators.
func FmtCount[T constraints.Integer](count T) string {
	return humanize.Comma(int64(count))
}

func fmtQuotient[T, U realNum](dividend T, divisor U) string {
	return FmtReal(float64(dividend) / float64(divisor))
}

// FmtPercent returns a stringified percentage without a trailing `%`,
// formatted as per FmtReal(). FmtPercent also ensures that any
// percentage less than 100% is reported as something less; e.g.,
// 99.999997 doesn’t get rounded up to 100.
func FmtPercent[T, U realNum](numerator T, denominator U) string {
	if denominator == 0 {
		return "0"
	}

	str := fmtQuotient(100*numerator, denominator)

	// If the numerator & denominator are large then it’s possible
	// for str to be “100” without the numbers actually being equal.
	if str == "100" && (U(numerator) != denominator) {
		if U(numerator) < denominator {
			return "99." + strings.Repeat("9", decimalPrecision)
		}
	}

	return str
}
