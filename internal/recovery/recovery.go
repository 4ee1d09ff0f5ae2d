package recovery

import (
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// Method names the strategy that produced a recovery result.
type Method string

const (
	MethodPattern  Method = "pattern"
	MethodChecksum Method = "checksum"
	MethodFuzzy    Method = "fuzzy"
	MethodDatabase Method = "database"
	MethodNone     Method = "none"
)

const (
	maxFuzzyDistance = 3
	partialPrefix    = 0.7

	confidencePatternChecked = 95
	confidencePattern        = 75
	confidenceComputed       = 85
	confidenceBruteForced    = 70
	confidenceExact          = 100
	confidencePartial        = 60
)

// Result is the outcome of a recovery attempt.
type Result struct {
	Original      string `json:"original"`
	Reconstructed string `json:"reconstructed"`
	Confidence    int    `json:"confidence"`
	Method        Method `json:"method"`
	Success       bool   `json:"success"`
}

// Reason returns ReasonRecoveryFailed for unsuccessful results.
func (r Result) Reason() barcode.Reason {
	if r.Success {
		return barcode.ReasonNone
	}
	return barcode.ReasonRecoveryFailed
}

// Apply returns a copy of s carrying the reconstructed barcode and the
// recovery confidence.
func (r Result) Apply(s barcode.ScanResult) barcode.ScanResult {
	if !r.Success {
		return s
	}
	s.Barcode = r.Reconstructed
	return s.WithConfidence(r.Confidence)
}

var ocrFixes = strings.NewReplacer(
	"O", "0",
	"I", "1",
	"Z", "2",
	"S", "5",
	"G", "6",
	"B", "8",
)

// fixOCR applies the usual letter-for-digit misreads.
func fixOCR(code string) string {
	return ocrFixes.Replace(strings.ToUpper(strings.ReplaceAll(code, "l", "1")))
}

// Recovery reconstructs damaged reads. The known-barcode set is the only
// mutable state and is managed by the caller.
type Recovery struct {
	patterns *PatternTable

	mu       sync.RWMutex
	known    []string
	knownSet map[string]struct{}
}

// New creates a Recovery over patterns. A nil table uses DefaultPatterns.
func New(patterns *PatternTable) *Recovery {
	if patterns == nil {
		patterns, _ = NewPatternTable(DefaultPatterns())
	}
	return &Recovery{
		patterns: patterns,
		knownSet: make(map[string]struct{}),
	}
}

// AddKnownBarcodes adds codes to the fuzzy/database lookup set, keeping
// insertion order for tie-breaking.
func (r *Recovery) AddKnownBarcodes(codes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, ok := r.knownSet[c]; ok {
			continue
		}
		r.knownSet[c] = struct{}{}
		r.known = append(r.known, c)
	}
}

// ClearKnownBarcodes empties the lookup set
func (r *Recovery) ClearKnownBarcodes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known = nil
	r.knownSet = make(map[string]struct{})
}

// KnownBarcodes returns a copy of the lookup set in insertion order
func (r *Recovery) KnownBarcodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.known))
	copy(out, r.known)
	return out
}

// AttemptRecovery runs pattern, checksum, fuzzy and database strategies in
// that order and returns the first success. An empty or unknown format is
// inferred from the code.
func (r *Recovery) AttemptRecovery(code string, format barcode.Format) Result {
	failed := Result{Original: code, Reconstructed: code, Method: MethodNone}
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return failed
	}
	if format == "" || format == barcode.FormatUnknown {
		format = r.inferFormat(trimmed)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	strategies := []func() (Result, bool){
		func() (Result, bool) { return r.recoverWithPattern(trimmed, format) },
		func() (Result, bool) { return r.recoverWithChecksum(trimmed, format) },
		func() (Result, bool) { return r.recoverWithFuzzyMatch(trimmed) },
		func() (Result, bool) { return r.recoverWithDatabase(trimmed) },
	}
	for _, s := range strategies {
		if res, ok := s(); ok {
			res.Original = code
			slog.Debug("Recovered barcode", "original", code, "reconstructed", res.Reconstructed, "method", res.Method, "confidence", res.Confidence)
			return res
		}
	}
	return failed
}

// RecoverWithChecksum runs only the checksum repair strategy.
func (r *Recovery) RecoverWithChecksum(code string, format barcode.Format) Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.recoverWithChecksum(strings.TrimSpace(code), format); ok {
		res.Original = code
		return res
	}
	return Result{Original: code, Reconstructed: code, Method: MethodChecksum}
}

// VerifyCheckDigit reports whether code carries a valid check digit for
// format. Formats without a checksum always fail.
func (r *Recovery) VerifyCheckDigit(code string, format barcode.Format) bool {
	p, ok := r.patterns.lookup(format)
	if !ok || p.Checksum == nil {
		return false
	}
	return p.Checksum(code)
}

// Patterns returns the compiled pattern table
func (r *Recovery) Patterns() *PatternTable {
	return r.patterns
}

// Levenshtein returns the edit distance between a and b.
func Levenshtein(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// inferFormat assigns checksummed formats to numeric codes of full or
// one-short length, then falls back to the first matching pattern.
func (r *Recovery) inferFormat(code string) barcode.Format {
	fixed := fixOCR(code)
	for _, c := range []string{code, fixed} {
		if !barcode.IsDigits(c) {
			continue
		}
		switch len(c) {
		case 13:
			return barcode.FormatEAN13
		case 12, 11:
			return barcode.FormatUPCA
		case 8, 7:
			return barcode.FormatEAN8
		}
	}
	for _, c := range []string{code, fixed} {
		if p, ok := r.patterns.detect(c); ok {
			return p.Format
		}
	}
	return barcode.FormatUnknown
}

func candidates(code string) []string {
	out := []string{code}
	for _, c := range []string{strings.ToUpper(code), fixOCR(code)} {
		if c != out[len(out)-1] && c != out[0] {
			out = append(out, c)
		}
	}
	return out
}

func (r *Recovery) recoverWithPattern(code string, format barcode.Format) (Result, bool) {
	p, ok := r.patterns.lookup(format)
	if !ok {
		return Result{}, false
	}
	for _, c := range candidates(code) {
		if !p.re.MatchString(c) {
			continue
		}
		if p.Checksum == nil {
			return Result{Reconstructed: c, Confidence: confidencePattern, Method: MethodPattern, Success: true}, true
		}
		if p.Checksum(c) {
			return Result{Reconstructed: c, Confidence: confidencePatternChecked, Method: MethodPattern, Success: true}, true
		}
		// A bad check digit is left to checksum repair instead of passing at 75.
	}
	return Result{}, false
}

func (r *Recovery) recoverWithChecksum(code string, format barcode.Format) (Result, bool) {
	p, ok := r.patterns.lookup(format)
	if !ok || p.Checksum == nil || p.Length == 0 {
		return Result{}, false
	}
	digits := code
	if !barcode.IsDigits(digits) {
		digits = fixOCR(code)
		if !barcode.IsDigits(digits) {
			return Result{}, false
		}
	}

	switch len(digits) {
	case p.Length - 1:
		full := completeChecksum(digits, format)
		if full != "" && p.Checksum(full) {
			return Result{Reconstructed: full, Confidence: confidenceComputed, Method: MethodChecksum, Success: true}, true
		}
	case p.Length:
		if p.Checksum(digits) {
			return Result{Reconstructed: digits, Confidence: confidenceComputed, Method: MethodChecksum, Success: true}, true
		}
		fixes := substitutions(digits, p.Checksum)
		if len(fixes) == 0 {
			return Result{}, false
		}
		pick := fixes[0]
		for _, f := range fixes {
			if _, ok := r.knownSet[f]; ok {
				pick = f
				break
			}
		}
		return Result{Reconstructed: pick, Confidence: confidenceBruteForced, Method: MethodChecksum, Success: true}, true
	}
	return Result{}, false
}

// substitutions lists every single-digit replacement of code that passes
// valid, starting at the check digit and walking left.
func substitutions(code string, valid func(string) bool) []string {
	var out []string
	buf := []byte(code)
	for i := len(buf) - 1; i >= 0; i-- {
		orig := buf[i]
		for d := byte('0'); d <= '9'; d++ {
			if d == orig {
				continue
			}
			buf[i] = d
			if valid(string(buf)) {
				out = append(out, string(buf))
			}
		}
		buf[i] = orig
	}
	return out
}

func (r *Recovery) recoverWithFuzzyMatch(code string) (Result, bool) {
	best := ""
	bestDistance := maxFuzzyDistance + 1
	for _, k := range r.known {
		d := levenshtein.ComputeDistance(code, k)
		if d < bestDistance {
			best, bestDistance = k, d
		}
	}
	if best == "" {
		return Result{}, false
	}
	longest := math.Max(float64(len(code)), float64(len(best)))
	confidence := barcode.ConfidenceFromFloat((1 - float64(bestDistance)/longest) * 100)
	return Result{Reconstructed: best, Confidence: confidence, Method: MethodFuzzy, Success: true}, true
}

func (r *Recovery) recoverWithDatabase(code string) (Result, bool) {
	if _, ok := r.knownSet[code]; ok {
		return Result{Reconstructed: code, Confidence: confidenceExact, Method: MethodDatabase, Success: true}, true
	}
	partial := code[:int(math.Floor(float64(len(code))*partialPrefix))]
	if partial == "" {
		return Result{}, false
	}
	for _, k := range r.known {
		if strings.HasPrefix(k, partial) {
			return Result{Reconstructed: k, Confidence: confidencePartial, Method: MethodDatabase, Success: true}, true
		}
	}
	return Result{}, false
}
