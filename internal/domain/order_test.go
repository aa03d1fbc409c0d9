package domain

import (
	"errors"
	"testing"
	"time"
)

func TestOrderPaymentComplete(t *testing.T) {
	p := &OrderPayment{OriginalAmount: 2000, FinalAmount: 2000, Status: PaymentPending}
	now := time.Now()
	if err := p.Complete(1500, 300, now); err != nil {
		t.Fatalf("complete: %s", err)
	}
	if p.Status != PaymentCompleted || p.FinalAmount != 1500 || p.UsedPoints != 300 {
		t.Fatalf("unexpected payment state: %+v", p)
	}
	if p.PaidAt == nil || !p.PaidAt.Equal(now) {
		t.Fatalf("expected paid_at %s, got %v", now, p.PaidAt)
	}
}

func TestOrderPaymentCompleteRejectsNonPending(t *testing.T) {
	now := time.Now()
	for _, status := range []PaymentStatus{PaymentCompleted, PaymentCancelled} {
		p := &OrderPayment{Status: status}
		if err := p.Complete(1000, 0, now); !errors.Is(err, ErrOrderNotPayable) {
			t.Fatalf("expected ErrOrderNotPayable for %s payment, got %v", status, err)
		}
	}
}
