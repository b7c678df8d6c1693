package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"optbot/internal/domain"
)

var strikeScale = decimal.NewFromInt(1000)

// FormatOCC builds the OCC option symbol: root, YYMMDD expiration, C or P,
// then the strike times 1000 as eight digits.
func FormatOCC(underlying, expiration string, t domain.OptionType, strike float64) (string, error) {
	exp, err := time.Parse(domain.DateLayout, expiration)
	if err != nil {
		return "", fmt.Errorf("parsing expiration %q: %w", expiration, err)
	}
	cp := "C"
	if t == domain.OptionPut {
		cp = "P"
	}
	milli := decimal.NewFromFloat(strike).Mul(strikeScale).Round(0).IntPart()
	if milli <= 0 || milli > 99999999 {
		return "", fmt.Errorf("strike %v out of range", strike)
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), exp.Format("060102"), cp, milli), nil
}

// ParseOCC decodes an OCC option symbol into a contract.
func ParseOCC(symbol string) (domain.Contract, error) {
	if len(symbol) < 16 {
		return domain.Contract{}, fmt.Errorf("invalid OCC symbol %q", symbol)
	}
	tail := symbol[len(symbol)-15:]
	root := strings.TrimSpace(symbol[:len(symbol)-15])
	if root == "" {
		return domain.Contract{}, fmt.Errorf("invalid OCC symbol %q: missing root", symbol)
	}

	exp, err := time.Parse("060102", tail[:6])
	if err != nil {
		return domain.Contract{}, fmt.Errorf("invalid OCC symbol %q: %w", symbol, err)
	}
	var t domain.OptionType
	switch tail[6] {
	case 'C':
		t = domain.OptionCall
	case 'P':
		t = domain.OptionPut
	default:
		return domain.Contract{}, fmt.Errorf("invalid OCC symbol %q: type %q", symbol, tail[6])
	}
	milli, err := strconv.ParseInt(tail[7:], 10, 64)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("invalid OCC symbol %q: %w", symbol, err)
	}

	return domain.Contract{
		Symbol:     symbol,
		Underlying: root,
		Type:       t,
		Strike:     decimal.NewFromInt(milli).Div(strikeScale).InexactFloat64(),
		Expiration: exp.Format(domain.DateLayout),
	}, nil
}
