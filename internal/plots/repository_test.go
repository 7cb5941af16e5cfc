package plots

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var spaces = regexp.MustCompile(`\s+`)

func normalizeSQL(q string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(q, " "))
}

func TestRepositoryPredicates(t *testing.T) {
	cases := []struct {
		name     string
		query    string
		contains []string
		excludes []string
	}{
		{
			name:  "expired tokens use a strict cutoff",
			query: findExpiredTokensSQL,
			contains: []string{
				"receipt_type = 'token'",
				"status = 'APPROVED'",
				"token_expiry_date IS NOT NULL",
				"token_expiry_date < $1",
				"ORDER BY id",
			},
			excludes: []string{"token_expiry_date <= $1"},
		},
		{
			name:  "booking sum counts approved and converted receipts",
			query: approvedSumSQL,
			contains: []string{
				"COALESCE(SUM(CASE WHEN total_amount IS NULL OR total_amount = 0 THEN amount ELSE total_amount END), 0)",
				"status IN ('APPROVED', 'CONVERTED')",
				"plot_id = $1",
			},
		},
		{
			name:  "later booking is strictly newer than the token",
			query: laterBookingSQL,
			contains: []string{
				"receipt_type = 'booking'",
				"status = 'APPROVED'",
				"created_at > $2",
			},
			excludes: []string{"created_at >= $2"},
		},
		{
			name:  "other active token excludes the candidate",
			query: otherActiveTokenSQL,
			contains: []string{
				"id <> $2",
				"receipt_type = 'token'",
				"status = 'APPROVED'",
				"token_expiry_date > $3",
			},
		},
		{
			name:     "batch receipt write requires an approved row",
			query:    batchReceiptSQL,
			contains: []string{"WHERE id = $1 AND status = 'APPROVED'"},
		},
		{
			name:     "batch plot write requires the loaded version",
			query:    batchPlotSQL,
			contains: []string{"WHERE id = $1 AND updated_at = $5"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := normalizeSQL(tc.query)
			for _, want := range tc.contains {
				require.Contains(t, q, want)
			}
			for _, unwanted := range tc.excludes {
				require.NotContains(t, q, unwanted)
			}
		})
	}
}

func TestCountedAmountExprMatchesReceipt(t *testing.T) {
	require.Equal(t,
		"CASE WHEN total_amount IS NULL OR total_amount = 0 THEN amount ELSE total_amount END",
		countedAmountExpr)

	withTotal := Receipt{Amount: dec("110000"), TotalAmount: dec("100000")}
	require.True(t, withTotal.CountedAmount().Equal(dec("100000")))
	withoutTotal := Receipt{Amount: dec("5000")}
	require.True(t, withoutTotal.CountedAmount().Equal(dec("5000")))
}
