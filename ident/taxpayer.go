package ident

import "strings"

var (
	cnpjFirst  = []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	cnpjSecond = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	cpfFirst   = []int{10, 9, 8, 7, 6, 5, 4, 3, 2}
	cpfSecond  = []int{11, 10, 9, 8, 7, 6, 5, 4, 3, 2}
)

// NormalizeTaxpayerID strips the usual formatting characters (dots,
// slashes, dashes and spaces) from a taxpayer ID.
func NormalizeTaxpayerID(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '/', '-', ' ':
			return -1
		}
		return r
	}, s)
}

// ValidateTaxpayerID reports whether id is a well-formed 14-digit company
// or 11-digit individual taxpayer ID. Formatting characters are ignored.
func ValidateTaxpayerID(id string) bool {
	id = NormalizeTaxpayerID(id)
	if !allDigits(id) || allSame(id) {
		return false
	}

	switch len(id) {
	case 14:
		return verify(id, cnpjFirst, cnpjSecond)
	case 11:
		return verify(id, cpfFirst, cpfSecond)
	default:
		return false
	}
}

func verify(id string, first, second []int) bool {
	n := len(first)
	d1 := weighted(id, first)
	if int(id[n]-'0') != d1 {
		return false
	}
	d2 := weighted(id, second)
	return int(id[n+1]-'0') == d2
}

// CompleteTaxpayerID appends both check digits to a 12-digit company base
// or a 9-digit individual base. It returns "" for any other input.
func CompleteTaxpayerID(base string) string {
	if !allDigits(base) {
		return ""
	}

	var first, second []int
	switch len(base) {
	case 12:
		first, second = cnpjFirst, cnpjSecond
	case 9:
		first, second = cpfFirst, cpfSecond
	default:
		return ""
	}

	withFirst := base + string(rune('0'+weighted(base, first)))
	return withFirst + string(rune('0'+weighted(withFirst, second)))
}
