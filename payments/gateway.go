package payments

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"marketplace-svc/models"

	"github.com/google/uuid"
)

type ChargeResult struct {
	Approved      bool
	TransactionID string
	Message       string
}

// Gateway is the boundary to the external payment provider.
type Gateway interface {
	Charge(ctx context.Context, req models.ChargeRequest) (*ChargeResult, error)
}

// StubGateway approves a configurable share of charges. There is no real
// provider integration.
type StubGateway struct {
	successRate float64
	rnd         func() float64
	now         func() time.Time
}

func NewStubGateway(successRate float64) *StubGateway {
	return &StubGateway{successRate: successRate, rnd: rand.Float64, now: time.Now}
}

func (g *StubGateway) Charge(ctx context.Context, req models.ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return &ChargeResult{Approved: false, Message: "Invalid amount"}, nil
	}

	if g.rnd() >= g.successRate {
		return &ChargeResult{Approved: false, Message: "Payment processing failed"}, nil
	}

	return &ChargeResult{
		Approved:      true,
		TransactionID: NewTransactionID(g.now()),
		Message:       "Payment processed successfully",
	}, nil
}

// NewTransactionID builds a gateway-style id such as TXN_1700000000000_3f2a9c1d.
func NewTransactionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("TXN_%d_%s", now.UnixMilli(), suffix)
}
