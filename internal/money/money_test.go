package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		m, err := New(9999, "USD")
		require.NoError(t, err)
		assert.Equal(t, int64(9999), m.AmountMinor)
		assert.Equal(t, "USD", m.Currency)
	})

	t.Run("Negative", func(t *testing.T) {
		_, err := New(-1, "USD")
		assert.ErrorIs(t, err, ErrNegativeAmount)
	})

	t.Run("UnsupportedCurrency", func(t *testing.T) {
		_, err := New(100, "XTS")
		assert.ErrorIs(t, err, ErrUnsupportedCurrency)
	})
}

func TestFromMajorString(t *testing.T) {
	cases := []struct {
		name     string
		amount   string
		currency string
		want     int64
		wantErr  error
	}{
		{name: "TwoDecimalUSD", amount: "99.99", currency: "USD", want: 9999},
		{name: "WholeUSD", amount: "50", currency: "USD", want: 5000},
		{name: "ZeroDecimalJPY", amount: "500", currency: "JPY", want: 500},
		{name: "ZeroDecimalCLP", amount: "12345", currency: "CLP", want: 12345},
		{name: "TrailingZeros", amount: "10.50", currency: "EUR", want: 1050},
		{name: "Zero", amount: "0.00", currency: "USD", want: 0},
		{name: "PrecisionLossUSD", amount: "1.005", currency: "USD", wantErr: ErrPrecisionLoss},
		{name: "PrecisionLossJPY", amount: "500.5", currency: "JPY", wantErr: ErrPrecisionLoss},
		{name: "Negative", amount: "-1.00", currency: "USD", wantErr: ErrNegativeAmount},
		{name: "Unsupported", amount: "1.00", currency: "XTS", wantErr: ErrUnsupportedCurrency},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := FromMajorString(tc.amount, tc.currency)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, m.AmountMinor)
		})
	}

	t.Run("Garbage", func(t *testing.T) {
		_, err := FromMajorString("not-a-number", "USD")
		assert.Error(t, err)
	})
}

// Round-trip: minor units -> major string -> minor units must be exact for
// every supported exponent.
func TestMajorStringRoundTrip(t *testing.T) {
	cases := []struct {
		currency string
		minor    int64
		rendered string
	}{
		{"USD", 9999, "99.99"},
		{"USD", 5000, "50.00"},
		{"USD", 1, "0.01"},
		{"USD", 0, "0.00"},
		{"EUR", 123456789, "1234567.89"},
		{"JPY", 500, "500"},
		{"CLP", 1, "1"},
	}

	for _, tc := range cases {
		m := Money{AmountMinor: tc.minor, Currency: tc.currency}
		assert.Equal(t, tc.rendered, m.MajorString())

		back, err := FromMajorString(m.MajorString(), tc.currency)
		require.NoError(t, err)
		assert.Equal(t, tc.minor, back.AmountMinor, "round trip for %s %d", tc.currency, tc.minor)
	}
}

func TestArithmetic(t *testing.T) {
	a := Money{AmountMinor: 5000, Currency: "USD"}
	b := Money{AmountMinor: 1500, Currency: "USD"}

	t.Run("Add", func(t *testing.T) {
		sum, err := a.Add(b)
		require.NoError(t, err)
		assert.Equal(t, int64(6500), sum.AmountMinor)
	})

	t.Run("Sub", func(t *testing.T) {
		diff, err := a.Sub(b)
		require.NoError(t, err)
		assert.Equal(t, int64(3500), diff.AmountMinor)
	})

	t.Run("SubNegative", func(t *testing.T) {
		_, err := b.Sub(a)
		assert.ErrorIs(t, err, ErrNegativeAmount)
	})

	t.Run("CurrencyMismatch", func(t *testing.T) {
		eur := Money{AmountMinor: 100, Currency: "EUR"}
		_, err := a.Add(eur)
		assert.ErrorIs(t, err, ErrCurrencyMismatch)
		_, err = a.Sub(eur)
		assert.ErrorIs(t, err, ErrCurrencyMismatch)
	})
}
