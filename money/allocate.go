package money

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/shopspring/decimal"
)

var (
	ErrAmountMismatch = errors.New("amounts do not add up to the total")
	ErrNoParticipants = errors.New("no participants to allocate to")
	ErrInvalidWeights = errors.New("weights must be non-negative with a positive sum")
)

// AllocateEqual splits total into n parts that add up to total exactly.
// Leftover minor units go one at a time to the first participants, so
// 100 split three ways is [34 33 33].
func AllocateEqual(total Money, n int) ([]Money, error) {
	if n <= 0 {
		return nil, ErrNoParticipants
	}

	count := int64(n)
	base := total.Amount / count
	remainder := total.Amount % count
	step := int64(1)
	if remainder < 0 {
		remainder, step = -remainder, -1
	}

	shares := make([]Money, n)
	for i := range shares {
		share := base
		if int64(i) < remainder {
			share += step
		}
		shares[i] = Money{Amount: share, Currency: total.Currency}
	}
	return shares, nil
}

// AllocateCustom accepts caller supplied shares only when they add up to total.
func AllocateCustom(total Money, requested []Money) ([]Money, error) {
	if len(requested) == 0 {
		return nil, ErrNoParticipants
	}
	if err := checkSum(total, requested); err != nil {
		return nil, err
	}
	return slices.Clone(requested), nil
}

// AllocateMultiPayer validates the payments of an expense paid by several members.
func AllocateMultiPayer(total Money, payments []Money) ([]Money, error) {
	if len(payments) == 0 {
		return nil, ErrNoParticipants
	}
	if err := checkSum(total, payments); err != nil {
		return nil, err
	}
	return slices.Clone(payments), nil
}

// Apportion splits amount proportionally to weights using the largest
// remainder method. Ties go to the lower index. The result always adds up to
// amount exactly.
func Apportion(amount Money, weights []int64) ([]Money, error) {
	var totalWeight int64
	for _, w := range weights {
		if w < 0 {
			return nil, ErrInvalidWeights
		}
		if totalWeight > math.MaxInt64-w {
			return nil, fmt.Errorf("%w: %w", ErrInvalidWeights, ErrOverflow)
		}
		totalWeight += w
	}
	if totalWeight <= 0 {
		return nil, ErrInvalidWeights
	}

	sign := int64(1)
	value := amount.Amount
	if value < 0 {
		sign, value = -1, -value
	}

	divisor := decimal.NewFromInt(totalWeight)
	parts := make([]int64, len(weights))
	remainders := make([]int64, len(weights))
	var allocated int64
	for i, w := range weights {
		q, r := decimal.NewFromInt(value).Mul(decimal.NewFromInt(w)).QuoRem(divisor, 0)
		parts[i] = q.IntPart()
		remainders[i] = r.IntPart()
		allocated += parts[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case remainders[a] > remainders[b]:
			return -1
		case remainders[a] < remainders[b]:
			return 1
		default:
			return 0
		}
	})
	for _, i := range order[:value-allocated] {
		parts[i]++
	}

	out := make([]Money, len(weights))
	for i, p := range parts {
		out[i] = Money{Amount: sign * p, Currency: amount.Currency}
	}
	return out, nil
}

// checkSum reports ErrAmountMismatch, wrapping ErrOverflow, for values
// outside MaxAmount as well, so wrapped sums can never pass as balanced.
func checkSum(total Money, parts []Money) error {
	if !total.InRange() {
		return fmt.Errorf("%w: total %w", ErrAmountMismatch, ErrOverflow)
	}
	sum := Zero(total.Currency)
	for _, p := range parts {
		if !p.SameCurrency(total) {
			return fmt.Errorf("%w: %s in a %s expense", ErrCurrencyMismatch, p.Currency, total.Currency)
		}
		if !p.InRange() {
			return fmt.Errorf("%w: part %w", ErrAmountMismatch, ErrOverflow)
		}
		var err error
		if sum, err = sum.CheckedAdd(p); err != nil {
			return fmt.Errorf("%w: %w", ErrAmountMismatch, err)
		}
	}
	if !sum.Equal(total) {
		return fmt.Errorf("%w: parts sum to %s, total is %s", ErrAmountMismatch, sum, total)
	}
	return nil
}
