package recovery

import "github.com/zombor/scan-pipeline/internal/barcode"

// weightedCheckDigit computes the mod-10 check digit of digits, where the
// digit at even index i is multiplied by even and the one at odd index by odd.
func weightedCheckDigit(digits string, even, odd int) byte {
	sum := 0
	for i := 0; i < len(digits); i++ {
		d := int(digits[i] - '0')
		if i%2 == 0 {
			sum += d * even
		} else {
			sum += d * odd
		}
	}
	return byte('0' + (10-sum%10)%10)
}

// CalculateEAN13Checksum appends the check digit to a 12-digit payload. It
// returns "" for any other input.
func CalculateEAN13Checksum(code string) string {
	if len(code) != 12 || !barcode.IsDigits(code) {
		return ""
	}
	return code + string(weightedCheckDigit(code, 1, 3))
}

// CalculateEAN8Checksum appends the check digit to a 7-digit payload.
func CalculateEAN8Checksum(code string) string {
	if len(code) != 7 || !barcode.IsDigits(code) {
		return ""
	}
	return code + string(weightedCheckDigit(code, 3, 1))
}

// CalculateUPCAChecksum appends the check digit to an 11-digit payload.
func CalculateUPCAChecksum(code string) string {
	if len(code) != 11 || !barcode.IsDigits(code) {
		return ""
	}
	return code + string(weightedCheckDigit(code, 3, 1))
}

func validEAN13(code string) bool {
	return len(code) == 13 && CalculateEAN13Checksum(code[:12]) == code
}

func validEAN8(code string) bool {
	return len(code) == 8 && CalculateEAN8Checksum(code[:7]) == code
}

func validUPCA(code string) bool {
	return len(code) == 12 && CalculateUPCAChecksum(code[:11]) == code
}

// completeChecksum returns payload plus its check digit for the checksummed
// formats, or "" when the format has no closed form.
func completeChecksum(payload string, format barcode.Format) string {
	switch format {
	case barcode.FormatEAN13:
		return CalculateEAN13Checksum(payload)
	case barcode.FormatEAN8:
		return CalculateEAN8Checksum(payload)
	case barcode.FormatUPCA:
		return CalculateUPCAChecksum(payload)
	}
	return ""
}
