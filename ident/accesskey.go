package ident

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/xraph/fiscal"
)

const (
	// AccessKeyLength is the number of digits in an access key.
	AccessKeyLength = 44

	// ModelInvoice is the document model code for electronic invoices.
	ModelInvoice = 55

	maxNonce = 100_000_000
)

// AccessKey holds the decoded fields of an access key.
type AccessKey struct {
	AuthorityCode int
	IssueYear     int
	IssueMonth    int
	TaxpayerID    string
	Model         int
	Series        int
	Number        int
	Nonce         int
	Environment   int
	CheckDigit    int
}

// NonceSource yields the 8-digit nonce embedded in generated keys.
type NonceSource func() int

// RandomNonce draws a nonce from crypto/rand.
func RandomNonce() int {
	n, err := rand.Int(rand.Reader, big.NewInt(maxNonce))
	if err != nil {
		return int(time.Now().UnixNano() % maxNonce)
	}
	return int(n.Int64())
}

// Generator builds access keys with a configurable nonce source.
type Generator struct {
	Nonce NonceSource
	Model int
}

// NewGenerator returns a Generator using crypto-random nonces and the
// invoice model code.
func NewGenerator() *Generator {
	return &Generator{Nonce: RandomNonce, Model: ModelInvoice}
}

// GenerateAccessKey builds a key with a random nonce and the invoice model.
func GenerateAccessKey(authorityCode int, issueDate time.Time, taxpayerID string, series, number, environment int) (string, error) {
	return NewGenerator().Generate(authorityCode, issueDate, taxpayerID, series, number, environment)
}

// Generate concatenates the zero-padded fields, the nonce and the
// environment digit, then appends the modulus-11 check digit.
func (g *Generator) Generate(authorityCode int, issueDate time.Time, taxpayerID string, series, number, environment int) (string, error) {
	taxpayerID = NormalizeTaxpayerID(taxpayerID)
	switch {
	case authorityCode < 1 || authorityCode > 99:
		return "", fmt.Errorf("%w: authority code %d", fiscal.ErrInvalidAccessKey, authorityCode)
	case !ValidateTaxpayerID(taxpayerID):
		return "", fmt.Errorf("%w: %q", fiscal.ErrInvalidTaxpayerID, taxpayerID)
	case series < 0 || series > 999:
		return "", fmt.Errorf("%w: series %d", fiscal.ErrInvalidAccessKey, series)
	case number < 1 || number > 999_999_999:
		return "", fmt.Errorf("%w: number %d", fiscal.ErrInvalidAccessKey, number)
	case environment < 1 || environment > 9:
		return "", fmt.Errorf("%w: environment %d", fiscal.ErrInvalidAccessKey, environment)
	}

	// Individual taxpayers are left-padded to the 14-digit slot.
	if len(taxpayerID) == 11 {
		taxpayerID = "000" + taxpayerID
	}

	model := g.Model
	if model == 0 {
		model = ModelInvoice
	}
	nonce := RandomNonce
	if g.Nonce != nil {
		nonce = g.Nonce
	}

	payload := fmt.Sprintf("%02d%02d%02d%s%02d%03d%09d%08d%d",
		authorityCode,
		issueDate.Year()%100, int(issueDate.Month()),
		taxpayerID,
		model,
		series,
		number,
		nonce()%maxNonce,
		environment,
	)
	return payload + strconv.Itoa(mod11(payload)), nil
}

// ValidateAccessKey recomputes the check digit over the first 43 digits
// and compares it to the 44th.
func ValidateAccessKey(key string) bool {
	if len(key) != AccessKeyLength || !allDigits(key) {
		return false
	}
	return int(key[AccessKeyLength-1]-'0') == mod11(key[:AccessKeyLength-1])
}

// ParseAccessKey decodes a valid key into its fields.
func ParseAccessKey(key string) (AccessKey, bool) {
	if !ValidateAccessKey(key) {
		return AccessKey{}, false
	}

	atoi := func(s string) int {
		n, _ := strconv.Atoi(s) //nolint:errcheck // digits checked by ValidateAccessKey
		return n
	}
	return AccessKey{
		AuthorityCode: atoi(key[0:2]),
		IssueYear:     2000 + atoi(key[2:4]),
		IssueMonth:    atoi(key[4:6]),
		TaxpayerID:    key[6:20],
		Model:         atoi(key[20:22]),
		Series:        atoi(key[22:25]),
		Number:        atoi(key[25:34]),
		Nonce:         atoi(key[34:42]),
		Environment:   atoi(key[42:43]),
		CheckDigit:    atoi(key[43:44]),
	}, true
}
