package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticPlanCatalog_Defaults(t *testing.T) {
	catalog := NewStaticPlanCatalog()

	monthly, ok := catalog.Lookup("ad_free_monthly")
	require.True(t, ok)
	assert.Equal(t, int64(499), monthly.AmountCents)
	assert.True(t, monthly.Subscription)
	assert.Equal(t, IntervalMonth, monthly.Interval)

	yearly, ok := catalog.Lookup("ad_free_yearly")
	require.True(t, ok)
	assert.Equal(t, IntervalYear, yearly.Interval)

	supporter, ok := catalog.Lookup(" supporter ")
	require.True(t, ok)
	assert.False(t, supporter.Subscription)
}

func TestStaticPlanCatalog_Unknown(t *testing.T) {
	_, ok := NewStaticPlanCatalog().Lookup("enterprise")
	assert.False(t, ok)
}

func TestStaticPlanCatalog_ExtraOverrides(t *testing.T) {
	catalog := NewStaticPlanCatalog(Plan{ID: "supporter", AmountCents: 2500, Currency: "eur"})

	p, ok := catalog.Lookup("supporter")
	require.True(t, ok)
	assert.Equal(t, int64(2500), p.AmountCents)
	assert.Equal(t, "eur", p.Currency)
}
