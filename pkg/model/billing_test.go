package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBillingCycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  BillingCycle
	}{
		{input: "", want: CycleMonthly},
		{input: "monthly", want: CycleMonthly},
		{input: " QUARTERLY ", want: CycleQuarterly},
		{input: "annually", want: CycleAnnually},
		{input: "weekly", want: CycleMonthly},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseBillingCycle(tt.input))
		})
	}
}

func TestRenewedUntil(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		cycle   BillingCycle
		current time.Time
		want    time.Time
	}{
		{
			name:    "lapsed monthly renews from now",
			cycle:   CycleMonthly,
			current: now.AddDate(0, 0, -3),
			want:    time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name:    "quarterly stacks on unexpired period",
			cycle:   CycleQuarterly,
			current: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			want:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "annual",
			cycle:   CycleAnnually,
			current: now,
			want:    time.Date(2027, 1, 15, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cycle.RenewedUntil(tt.current, now))
		})
	}
}

func TestProductSpecsMemoryMiB(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 4096, ProductSpecs{RAMMiB: 4096}.MemoryMiB())
	assert.Equal(t, 8192, ProductSpecs{RAMGB: 8}.MemoryMiB())
	assert.Equal(t, 2048, ProductSpecs{RAMMiB: 2048, RAMGB: 8}.MemoryMiB())
}
