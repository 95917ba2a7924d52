package domain

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"
)

// Amount is an exact decimal monetary value. It encodes as a bare JSON number
// and decodes numbers or numeric strings without going through float64.
type Amount struct {
	decimal.Decimal
}

func NewAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, Validationf("invalid amount %q", s)
	}
	return Amount{d}, nil
}

// MustAmount panics on malformed input; meant for literals and tests.
func MustAmount(s string) Amount {
	a, err := NewAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func AmountFromInt(v int64) Amount {
	return Amount{decimal.NewFromInt(v)}
}

func (a Amount) Add(b Amount) Amount {
	return Amount{a.Decimal.Add(b.Decimal)}
}

func (a Amount) Equal(b Amount) bool {
	return a.Decimal.Equal(b.Decimal)
}

// SumValues adds up milestone values.
func SumValues(ms []Milestone) Amount {
	total := Amount{decimal.Zero}
	for _, m := range ms {
		total = total.Add(m.Value)
	}
	return total
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	return a.Decimal.UnmarshalJSON(b)
}

func (a Amount) MarshalYAML() (any, error) {
	return a.Decimal.String(), nil
}

// Schema describes Amount as a JSON number or a numeric string in the
// OpenAPI document.
func (Amount) Schema(r huma.Registry) *huma.Schema {
	return &huma.Schema{
		Description: "Exact decimal amount",
		OneOf: []*huma.Schema{
			{Type: huma.TypeNumber},
			{Type: huma.TypeString, Pattern: `^-?[0-9]+(\.[0-9]+)?$`},
		},
	}
}
