package barcode

import "strings"

// Format is a canonical lowercase symbology token.
type Format string

const (
	FormatQR         Format = "qr"
	FormatCode39     Format = "code39"
	FormatCode93     Format = "code93"
	FormatCode128    Format = "code128"
	FormatEAN13      Format = "ean13"
	FormatEAN8       Format = "ean8"
	FormatUPCA       Format = "upc_a"
	FormatUPCE       Format = "upc_e"
	FormatCodabar    Format = "codabar"
	FormatITF14      Format = "itf14"
	FormatDataMatrix Format = "datamatrix"
	FormatPDF417     Format = "pdf417"
	FormatAztec      Format = "aztec"
	FormatUnknown    Format = "unknown"
)

var vendorPrefixes = []string{
	"org.iso.",
	"org.gs1.",
	"barcodeformat.",
	"barcodetype.",
	"com.google.",
}

var defaultAliases = map[string]Format{
	"qr":              FormatQR,
	"qrcode":          FormatQR,
	"code39":          FormatCode39,
	"code39mod43":     FormatCode39,
	"code39fullascii": FormatCode39,
	"code93":          FormatCode93,
	"code128":         FormatCode128,
	"ean13":           FormatEAN13,
	"ean8":            FormatEAN8,
	"upca":            FormatUPCA,
	"upce":            FormatUPCE,
	"codabar":         FormatCodabar,
	"itf":             FormatITF14,
	"itf14":           FormatITF14,
	"interleaved2of5": FormatITF14,
	"i2of5":           FormatITF14,
	"datamatrix":      FormatDataMatrix,
	"pdf417":          FormatPDF417,
	"aztec":           FormatAztec,
}

// FormatTable maps detector-reported format names onto canonical tokens. It
// is read-only after construction and safe to share.
type FormatTable struct {
	aliases map[string]Format
}

// NewFormatTable builds a table from the default aliases plus extra. Keys of
// extra go through the same squashing as lookups.
func NewFormatTable(extra map[string]Format) *FormatTable {
	aliases := make(map[string]Format, len(defaultAliases)+len(extra))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	for k, v := range extra {
		aliases[squash(k)] = v
	}
	return &FormatTable{aliases: aliases}
}

// Normalize resolves a raw format name. Empty and unrecognized names map to
// FormatUnknown.
func (t *FormatTable) Normalize(raw string) Format {
	key := squash(raw)
	if key == "" {
		return FormatUnknown
	}
	if f, ok := t.aliases[key]; ok {
		return f
	}
	return FormatUnknown
}

func squash(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range vendorPrefixes {
		s = strings.TrimPrefix(s, p)
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '.':
			return -1
		}
		return r
	}, s)
}

// InferFormat guesses a format for fixed-length numeric payloads.
func InferFormat(code string) Format {
	if !IsDigits(code) {
		return FormatUnknown
	}
	switch len(code) {
	case 13:
		return FormatEAN13
	case 12:
		return FormatUPCA
	case 8:
		return FormatEAN8
	case 14:
		return FormatITF14
	}
	return FormatUnknown
}

// IsDigits reports whether s is non-empty and all ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
