package normalizer

// ValidGTIN checks the length and mod-10 check digit of an EAN-8, UPC-A,
// EAN-13 or GTIN-14 code.
func ValidGTIN(code string) bool {
	switch len(code) {
	case 8, 12, 13, 14:
	default:
		return false
	}

	sum := 0
	// weights alternate 3,1,3,... starting from the digit left of the check digit
	weight := 3
	for i := len(code) - 2; i >= 0; i-- {
		c := code[i]
		if c < '0' || c > '9' {
			return false
		}
		sum += int(c-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}

	last := code[len(code)-1]
	if last < '0' || last > '9' {
		return false
	}
	check := (10 - sum%10) % 10
	return check == int(last-'0')
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
