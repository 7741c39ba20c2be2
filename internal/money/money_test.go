package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProrateByDays(t *testing.T) {
	price := MustNew("300.00", "USD")

	refund, err := price.ProrateByDays(20, 30)
	require.NoError(t, err)
	assert.Equal(t, "200.00 USD", refund.String())
}

func TestProrateByDaysRoundsHalfEven(t *testing.T) {
	price := MustNew("100.00", "USD")

	// 100 * 1/3 = 33.333... -> 33.33
	oneThird, err := price.ProrateByDays(1, 3)
	require.NoError(t, err)
	assert.Equal(t, "33.33", oneThird.Amount.StringFixed(2))

	// 0.125 rounds to the even neighbour 0.12, not 0.13
	eighth := MustNew("1.00", "USD")
	share, err := eighth.ProrateByDays(1, 8)
	require.NoError(t, err)
	assert.Equal(t, "0.12", share.Amount.StringFixed(2))
}

func TestProrateByDaysRejectsBadWindows(t *testing.T) {
	price := MustNew("300.00", "USD")

	_, err := price.ProrateByDays(31, 30)
	assert.ErrorIs(t, err, ErrInvalidProration)

	_, err = price.ProrateByDays(-1, 30)
	assert.ErrorIs(t, err, ErrInvalidProration)

	_, err = price.ProrateByDays(1, 0)
	assert.ErrorIs(t, err, ErrInvalidProration)
}

func TestCurrencyGuard(t *testing.T) {
	usd := MustNew("10.00", "USD")
	eur := MustNew("10.00", "EUR")

	_, err := usd.Add(eur)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd.Sub(eur)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = usd.Cmp(eur)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMulRate(t *testing.T) {
	price := MustNew("100.00", "USD")

	fee, err := price.MulRate("0.05")
	require.NoError(t, err)
	assert.Equal(t, "5.00", fee.Amount.StringFixed(2))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int32(2), MinorUnits("USD"))
	assert.Equal(t, int32(0), MinorUnits("JPY"))
	assert.Equal(t, int32(3), MinorUnits("KWD"))
}
