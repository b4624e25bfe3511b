// Package memory is an in-process payment processor used in tests and
// in environments without provider credentials.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creditrail/creditrail/internal/payment/domain"
)

type Processor struct {
	mu      sync.Mutex
	seq     int
	byKey   map[string]*domain.Charge
	Charges []domain.ChargeInput
	Refunds []domain.RefundInput

	// FailCharges and FailRefunds force the matching call to fail,
	// standing in for a declined card or a provider outage.
	FailCharges bool
	FailRefunds bool
}

func NewProcessor() *Processor {
	return &Processor{byKey: make(map[string]*domain.Charge)}
}

func (p *Processor) Charge(ctx context.Context, input domain.ChargeInput) (*domain.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailCharges {
		return nil, domain.ErrPaymentDeclined
	}
	if input.IdempotencyKey != "" {
		if existing, ok := p.byKey[input.IdempotencyKey]; ok {
			return existing, nil
		}
	}

	p.seq++
	charge := &domain.Charge{
		Ref:       fmt.Sprintf("ch_%06d", p.seq),
		AmountUsd: input.AmountUsd,
		CreatedAt: time.Now().UTC(),
	}
	if input.IdempotencyKey != "" {
		p.byKey[input.IdempotencyKey] = charge
	}
	p.Charges = append(p.Charges, input)
	return charge, nil
}

func (p *Processor) Refund(ctx context.Context, input domain.RefundInput) (*domain.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailRefunds {
		return nil, domain.ErrRefundFailed
	}

	p.seq++
	p.Refunds = append(p.Refunds, input)
	return &domain.Refund{
		Ref:       fmt.Sprintf("re_%06d", p.seq),
		AmountUsd: input.AmountUsd,
		CreatedAt: time.Now().UTC(),
	}, nil
}
