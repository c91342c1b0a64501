package ident

// mod11 computes a check digit over digits using weights applied from the
// last digit backwards, cycling 2..9.
func mod11(digits string) int {
	sum := 0
	weight := 2
	for i := len(digits) - 1; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	return checkDigit(sum % 11)
}

// weighted computes a check digit from a fixed positional weight table.
func weighted(digits string, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	return checkDigit(sum % 11)
}

func checkDigit(remainder int) int {
	if remainder < 2 {
		return 0
	}
	return 11 - remainder
}

func allDigits(s string) bool {
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

func allSame(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
