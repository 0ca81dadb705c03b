package fleet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/warp/fleet-ledger/generic"
)

// Sequencer hands out strictly increasing numbers per prefix.
type Sequencer interface {
	Next(ctx context.Context, prefix string) (int64, error)
}

// Seeder is implemented by sequencers that can be moved past numbers
// already in use, e.g. after an import.
type Seeder interface {
	Seed(ctx context.Context, prefix string, atLeast int64) error
}

// StoreSequencer allocates from the store's counters.
type StoreSequencer struct {
	Store Store
}

func (s StoreSequencer) Next(ctx context.Context, prefix string) (int64, error) {
	return s.Store.NextSequence(ctx, "payment_no:"+prefix)
}

func (s StoreSequencer) Seed(ctx context.Context, prefix string, atLeast int64) error {
	return s.Store.SeedSequence(ctx, "payment_no:"+prefix, atLeast)
}

// FormatPaymentNo renders a payment number, e.g. PYN-0007.
func FormatPaymentNo(prefix string, n int64) string {
	return fmt.Sprintf("%s-%04d", prefix, n)
}

// ParsePaymentNo splits a payment number into prefix and counter.
func ParsePaymentNo(no string) (prefix string, n int64, ok bool) {
	prefix, digits, found := strings.Cut(strings.TrimSpace(no), "-")
	if !found || prefix == "" || digits == "" {
		return "", 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return "", 0, false
	}
	return prefix, n, true
}

// maxAllocationAttempts bounds the skip-over loop when explicit numbers
// occupy the next counter values.
const maxAllocationAttempts = 1000

// allocatePaymentNo draws numbers until one is free in the payments table.
func allocatePaymentNo(ctx context.Context, seq Sequencer, payments Table[Payment], prefix string) (string, error) {
	for range maxAllocationAttempts {
		n, err := seq.Next(ctx, prefix)
		if err != nil {
			return "", err
		}
		no := FormatPaymentNo(prefix, n)
		_, err = payments.FindByKey(ctx, no)
		if errors.Is(err, generic.ErrNotFound) {
			return no, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free %s payment number after %d attempts", prefix, maxAllocationAttempts)
}

// MaxPaymentNo returns the highest counter already used under prefix. The
// Redis sequencer seeds itself from this.
func MaxPaymentNo(ctx context.Context, payments Table[Payment], prefix string) (int64, error) {
	var highest int64
	for p, err := range payments.Scan(ctx, nil) {
		if err != nil {
			return 0, err
		}
		if pre, n, ok := ParsePaymentNo(p.PaymentNo); ok && pre == prefix && n > highest {
			highest = n
		}
	}
	return highest, nil
}
