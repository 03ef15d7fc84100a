// Package pricing validates request text and derives its price from text
// complexity. Everything here is pure: the same text always yields the same
// price.
package pricing

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/shopspring/decimal"
)

const (
	// MinNonSpaceChars is the minimum number of non-whitespace characters.
	MinNonSpaceChars = 10
	// MinLetters rejects texts made only of digits and symbols.
	MinLetters = 5
)

var (
	sentenceTerminators = regexp.MustCompile(`[.!?]+`)
	whitespaceRuns      = regexp.MustCompile(`\s+`)
)

// PricedRequest is a validated, priced unit of work.
type PricedRequest struct {
	RawText        string
	NormalizedText string
	Price          decimal.Decimal
}

// Pricer holds the tariff used to turn complexity into a price.
type Pricer struct {
	UnitRate decimal.Decimal
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
}

// DefaultPricer returns the production tariff: 0.50 per complexity unit,
// clamped to [5.00, 500.00].
func DefaultPricer() Pricer {
	return Pricer{
		UnitRate: decimal.RequireFromString("0.50"),
		MinPrice: decimal.RequireFromString("5.00"),
		MaxPrice: decimal.RequireFromString("500.00"),
	}
}

// New validates raw with the default tariff.
func New(raw string) (*PricedRequest, error) {
	return DefaultPricer().New(raw)
}

// Quote returns the price of text with the default tariff.
func Quote(text string) (decimal.Decimal, error) {
	pr, err := New(text)
	if err != nil {
		return decimal.Zero, err
	}
	return pr.Price, nil
}

// New validates raw and prices it.
func (p Pricer) New(raw string) (*PricedRequest, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: text must not be empty", models.ErrInvalidRequest)
	}

	if n := countNonSpace(text); n < MinNonSpaceChars {
		return nil, fmt.Errorf("%w: text must contain at least %d non-whitespace characters, got %d",
			models.ErrInvalidRequest, MinNonSpaceChars, n)
	}

	if n := countLetters(text); n < MinLetters {
		return nil, fmt.Errorf("%w: text must contain at least %d letters, got %d",
			models.ErrInvalidRequest, MinLetters, n)
	}

	return &PricedRequest{
		RawText:        raw,
		NormalizedText: text,
		Price:          p.price(complexity(text)),
	}, nil
}

// Stats measures text the same way New prices it. Stats does not validate.
func (p Pricer) Stats(text string) models.TextStats {
	trimmed := strings.TrimSpace(text)
	c := complexity(trimmed)
	return models.TextStats{
		TotalChars:      len([]rune(trimmed)),
		NonSpaceChars:   countNonSpace(trimmed),
		WordCount:       len(strings.Fields(trimmed)),
		SentenceCount:   countSentences(trimmed),
		ComplexityScore: c.InexactFloat64(),
		Price:           p.price(c),
	}
}

// Complexity is non-whitespace characters weighted by sentence count,
// never below 1.
func Complexity(text string) float64 {
	return complexity(text).InexactFloat64()
}

// complexity is chars*(10+sentences)/10 in exact decimal arithmetic.
func complexity(text string) decimal.Decimal {
	cleaned := whitespaceRuns.ReplaceAllString(strings.TrimSpace(text), " ")
	chars := decimal.NewFromInt(int64(countNonSpace(cleaned)))
	weight := decimal.NewFromInt(int64(10 + countSentences(cleaned)))
	c := chars.Mul(weight).Div(decimal.NewFromInt(10))
	if c.LessThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return c
}

func (p Pricer) price(c decimal.Decimal) decimal.Decimal {
	price := c.Mul(p.UnitRate).Round(2)
	if price.LessThan(p.MinPrice) {
		return p.MinPrice
	}
	if price.GreaterThan(p.MaxPrice) {
		return p.MaxPrice
	}
	return price
}

func countSentences(text string) int {
	if n := len(sentenceTerminators.FindAllStringIndex(text, -1)); n > 0 {
		return n
	}
	return 1
}

func countNonSpace(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func countLetters(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
