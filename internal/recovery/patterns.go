package recovery

import (
	"fmt"
	"regexp"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// FormatSalesReceipt is the in-house sales receipt label: 8 hex digits, a
// dash, 10 digits and an optional trailing letter.
const FormatSalesReceipt barcode.Format = "custom-receipt"

// Pattern describes what a well-formed code of one format looks like.
type Pattern struct {
	Format   barcode.Format
	Expr     string
	Length   int
	Checksum func(string) bool
}

// DefaultPatterns returns the built-in pattern list in detection order.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Format: barcode.FormatEAN13, Expr: `^\d{13}$`, Length: 13, Checksum: validEAN13},
		{Format: barcode.FormatEAN8, Expr: `^\d{8}$`, Length: 8, Checksum: validEAN8},
		{Format: barcode.FormatUPCA, Expr: `^\d{12}$`, Length: 12, Checksum: validUPCA},
		{Format: barcode.FormatCode39, Expr: `^[0-9A-Z\-. $/+%]+$`},
		{Format: barcode.FormatCode128, Expr: `^[\x00-\x7F]+$`},
		{Format: FormatSalesReceipt, Expr: `^[0-9A-Fa-f]{8}-[0-9]{10}[A-Za-z]?$`, Length: 20},
	}
}

type compiledPattern struct {
	Pattern
	re *regexp.Regexp
}

// PatternTable is an immutable, compiled set of patterns.
type PatternTable struct {
	patterns []compiledPattern
	byFormat map[barcode.Format]int
}

// NewPatternTable compiles patterns. A pattern whose expression does not
// compile is dropped, so its format rejects everything, and reported in the
// returned error slice.
func NewPatternTable(patterns []Pattern) (*PatternTable, []error) {
	t := &PatternTable{byFormat: make(map[barcode.Format]int)}
	var errs []error
	for _, p := range patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("compiling pattern for %s: %w", p.Format, err))
			continue
		}
		if _, dup := t.byFormat[p.Format]; dup {
			continue
		}
		t.byFormat[p.Format] = len(t.patterns)
		t.patterns = append(t.patterns, compiledPattern{Pattern: p, re: re})
	}
	return t, errs
}

// ValidatePatterns reports every pattern that would be dropped by
// NewPatternTable.
func ValidatePatterns(patterns []Pattern) []error {
	_, errs := NewPatternTable(patterns)
	return errs
}

func (t *PatternTable) lookup(format barcode.Format) (compiledPattern, bool) {
	i, ok := t.byFormat[format]
	if !ok {
		return compiledPattern{}, false
	}
	return t.patterns[i], true
}

// detect returns the first pattern matching code.
func (t *PatternTable) detect(code string) (compiledPattern, bool) {
	for _, p := range t.patterns {
		if p.re.MatchString(code) {
			return p, true
		}
	}
	return compiledPattern{}, false
}

// Match reports whether code is well formed for format. Unknown formats
// never match.
func (t *PatternTable) Match(code string, format barcode.Format) bool {
	p, ok := t.lookup(format)
	return ok && p.re.MatchString(code)
}
