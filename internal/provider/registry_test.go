package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) OpenCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	return nil, nil
}
func (s *stubAdapter) Confirm(ctx context.Context, chargeRef string) (*ConfirmResult, error) {
	return nil, nil
}
func (s *stubAdapter) RefundStatus(ctx context.Context, refundRef string) (*ConfirmResult, error) {
	return nil, nil
}
func (s *stubAdapter) PayoutStatus(ctx context.Context, payoutRef string) (*ConfirmResult, error) {
	return nil, nil
}
func (s *stubAdapter) Capture(ctx context.Context, chargeRef string) error       { return nil }
func (s *stubAdapter) Refund(ctx context.Context, chargeRef string) (string, error) { return "", nil }
func (s *stubAdapter) Payout(ctx context.Context, req *PayoutRequest) (string, error) {
	return "", nil
}
func (s *stubAdapter) VerifyAccount(ctx context.Context, accountRef string) error { return nil }
func (s *stubAdapter) VerifyWebhook(payload []byte, header http.Header) error     { return nil }
func (s *stubAdapter) ParseEvent(payload []byte) (*Event, error)                  { return nil, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry(&stubAdapter{name: "stripe"}, &stubAdapter{name: "nuvei"})

	a, err := r.Get("stripe")
	require.NoError(t, err)
	assert.Equal(t, "stripe", a.Name())

	// 名称大小写不敏感
	a, err = r.Get("  Nuvei ")
	require.NoError(t, err)
	assert.Equal(t, "nuvei", a.Name())

	_, err = r.Get("paypal")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	assert.True(t, r.Exists("stripe"))
	assert.False(t, r.Exists("paypal"))
	assert.Len(t, r.Names(), 2)
}
