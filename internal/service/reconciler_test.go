package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/payment"
	"github.com/payment-orchestrator/internal/payment/sandbox"
)

func TestWebhookForUnknownPaymentRaisesIntegrityAlert(t *testing.T) {
	env := newTestEnv(t)
	existing := env.createAuthorized(t, "k-bystander", 1000)

	_, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_unknown",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: "sbx_pi_nobody", Amount: 1000},
	})
	appErr := requireCode(t, err, CodeIntegrityViolation)
	if appErr.Class != ClassIntegrity {
		t.Fatalf("expected integrity class, got %s", appErr.Class)
	}

	alerts := env.alerts.Alerts()
	if len(alerts) != 1 || alerts[0].Kind != AlertPaymentNotFound || alerts[0].ProviderEventID != "evt_unknown" {
		t.Fatalf("expected payment_not_found alert, got %+v", alerts)
	}
	if got := env.reload(t, existing.ID); got.Version != existing.Version || got.State != constants.PaymentStateAuthorized {
		t.Fatalf("unrelated payment must not change: %+v", got)
	}
	var count int64
	env.db.Model(&models.Payment{}).Count(&count)
	if count != 1 {
		t.Fatalf("no payment may be created by a webhook, got %d", count)
	}
	entry, _ := env.webhooks.GetByProviderEvent(context.Background(), constants.ProviderSandbox, "evt_unknown")
	if entry == nil || entry.Status != constants.WebhookStatusFailed {
		t.Fatalf("ledger entry should be failed, got %+v", entry)
	}
}

func TestWebhookCaptureAndDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	authorized := env.createAuthorized(t, "k-wh-capture", 1000)
	payload := sandbox.WebhookPayload{
		ID:   "evt_capture_1",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: authorized.ProviderRef(), CaptureReference: "sbx_ch_1", Amount: 1000},
	}

	result, err := env.deliver(t, payload)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if result.Outcome != WebhookProcessed || result.PaymentID != authorized.ID {
		t.Fatalf("unexpected result: %+v", result)
	}
	captured := env.reload(t, authorized.ID)
	if captured.State != constants.PaymentStateCaptured || captured.CaptureReference != "sbx_ch_1" {
		t.Fatalf("expected CAPTURED, got %+v", captured)
	}

	again, err := env.deliver(t, payload)
	if err != nil {
		t.Fatalf("duplicate deliver failed: %v", err)
	}
	if again.Outcome != WebhookDuplicate {
		t.Fatalf("expected duplicate outcome, got %s", again.Outcome)
	}
	if got := env.reload(t, authorized.ID); got.Version != captured.Version {
		t.Fatalf("duplicate must not write, version %d -> %d", captured.Version, got.Version)
	}
	entry, _ := env.webhooks.GetByProviderEvent(context.Background(), constants.ProviderSandbox, "evt_capture_1")
	if entry == nil || entry.Status != constants.WebhookStatusProcessed || entry.PaymentID != authorized.ID {
		t.Fatalf("ledger should be processed: %+v", entry)
	}
}

func TestWebhookOutOfOrderIsNoop(t *testing.T) {
	env := newTestEnv(t)
	captured := env.createCaptured(t, "k-wh-order", 1000)

	result, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_late_auth",
		Type: sandbox.EventPaymentAuthorized,
		Data: sandbox.WebhookData{PaymentReference: captured.ProviderRef()},
	})
	if err != nil {
		t.Fatalf("late authorization failed: %v", err)
	}
	if result.Outcome != WebhookProcessed {
		t.Fatalf("late event should still be acknowledged as processed, got %s", result.Outcome)
	}
	got := env.reload(t, captured.ID)
	if got.State != constants.PaymentStateCaptured || got.Version != captured.Version {
		t.Fatalf("superseded event must not regress the payment: %+v", got)
	}
}

func TestWebhookCaptureWalksPastMissingAuthorization(t *testing.T) {
	env := newTestEnv(t)
	pending, err := env.orchestrator.CreatePayment(context.Background(), CreatePaymentInput{
		IdempotencyKey:     "k-wh-walk",
		Provider:           constants.ProviderSandbox,
		Amount:             900,
		Currency:           "USD",
		PaymentMethodToken: sandbox.TokenPending,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_walk",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: pending.ProviderRef(), Amount: 900},
	}); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	got := env.reload(t, pending.ID)
	if got.State != constants.PaymentStateCaptured || got.AuthorizedAt == nil || got.CapturedAmount != 900 {
		t.Fatalf("expected walk to CAPTURED, got %+v", got)
	}
}

func TestWebhookInvalidSignatureIsRejected(t *testing.T) {
	env := newTestEnv(t)
	authorized := env.createAuthorized(t, "k-wh-sig", 1000)
	body, headers, err := env.sandbox.SignedRequest(sandbox.WebhookPayload{
		ID:   "evt_forged",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: authorized.ProviderRef(), Amount: 1000},
	})
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	forged := append([]byte{}, body...)
	forged[len(forged)-2] = ' '

	_, err = env.reconciler.HandleWebhook(context.Background(), constants.ProviderSandbox, forged, headers)
	appErr := requireCode(t, err, CodeWebhookSignature)
	if appErr.HTTPStatus() != http.StatusBadRequest {
		t.Fatalf("signature failure should map to 400, got %d", appErr.HTTPStatus())
	}
	if entry, _ := env.webhooks.GetByProviderEvent(context.Background(), constants.ProviderSandbox, "evt_forged"); entry != nil {
		t.Fatalf("forged event must not be recorded")
	}
	if got := env.reload(t, authorized.ID); got.State != constants.PaymentStateAuthorized {
		t.Fatalf("forged event must not change state, got %s", got.State)
	}
}

func TestWebhookUnsupportedTypeIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_dispute",
		Type: "dispute.created",
		Data: sandbox.WebhookData{PaymentReference: "sbx_pi_any"},
	})
	if err != nil {
		t.Fatalf("unsupported event should be acknowledged: %v", err)
	}
	if result.Outcome != WebhookIgnored {
		t.Fatalf("expected ignored, got %s", result.Outcome)
	}
	entry, _ := env.webhooks.GetByProviderEvent(context.Background(), constants.ProviderSandbox, "evt_dispute")
	if entry == nil || entry.Status != constants.WebhookStatusIgnored {
		t.Fatalf("ignored event should be recorded, got %+v", entry)
	}
}

func TestWebhookUnknownProviderIsNotEnabled(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reconciler.HandleWebhook(context.Background(), "acme", []byte(`{}`), http.Header{})
	requireCode(t, err, CodeProviderNotEnabled)
}

func TestWebhookCaptureAfterFailureAlerts(t *testing.T) {
	env := newTestEnv(t)
	authorized := env.createAuthorized(t, "k-wh-terminal", 1000)
	if _, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_fail",
		Type: sandbox.EventPaymentFailed,
		Data: sandbox.WebhookData{PaymentReference: authorized.ProviderRef(), FailureCode: "expired"},
	}); err != nil {
		t.Fatalf("failure event failed: %v", err)
	}
	failed := env.reload(t, authorized.ID)
	if failed.State != constants.PaymentStateFailed || failed.FailureCode != "expired" {
		t.Fatalf("expected FAILED, got %+v", failed)
	}

	result, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_capture_late",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: authorized.ProviderRef(), Amount: 1000},
	})
	if err != nil {
		t.Fatalf("late capture should be acknowledged: %v", err)
	}
	if result.Outcome != WebhookProcessed {
		t.Fatalf("unexpected outcome %s", result.Outcome)
	}
	if got := env.reload(t, authorized.ID); got.State != constants.PaymentStateFailed {
		t.Fatalf("terminal payment must stay FAILED, got %s", got.State)
	}
	alerts := env.alerts.Alerts()
	if len(alerts) != 1 || alerts[0].Kind != AlertCaptureAfterTerminal {
		t.Fatalf("expected capture_after_terminal alert, got %+v", alerts)
	}
}

func TestWebhookCaptureReleasesPendingClaim(t *testing.T) {
	env := newTestEnv(t)
	authorized := env.createAuthorized(t, "k-wh-claim", 1000)
	env.sandbox.FailNext(sandbox.OpCapture, payment.NewError(payment.ErrProviderUnavailable, constants.ProviderSandbox, "timeout", "", 0, nil))
	_, err := env.orchestrator.CapturePayment(context.Background(), CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-claim"})
	requireCode(t, err, CodeProviderUnavailable)

	if _, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_claim_capture",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: authorized.ProviderRef(), Amount: 1000},
	}); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	got := env.reload(t, authorized.ID)
	if got.State != constants.PaymentStateCaptured || got.PendingOperation != "" {
		t.Fatalf("webhook should capture and release the claim: %+v", got)
	}
}

func TestWebhookRefundFromProviderDashboard(t *testing.T) {
	env := newTestEnv(t)
	captured := env.createCaptured(t, "k-wh-ext-refund", 1000)
	if _, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_ext_refund",
		Type: sandbox.EventRefundSucceeded,
		Data: sandbox.WebhookData{PaymentReference: captured.ProviderRef(), RefundReference: "sbx_re_ext", Amount: 250},
	}); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	got := env.reload(t, captured.ID)
	if got.State != constants.PaymentStatePartiallyRefunded || got.RefundedAmount != 250 || got.RefundReservedAmount != 0 {
		t.Fatalf("external refund should be booked: %+v", got)
	}
	refunds, _ := env.orchestrator.ListRefunds(context.Background(), captured.ID)
	if len(refunds) != 1 || refunds[0].ProviderRef() != "sbx_re_ext" || refunds[0].State != constants.RefundStateSucceeded {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}

	// 超出可退金额的外部退款只告警
	if _, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_ext_refund_big",
		Type: sandbox.EventRefundSucceeded,
		Data: sandbox.WebhookData{PaymentReference: captured.ProviderRef(), RefundReference: "sbx_re_big", Amount: 5000},
	}); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if after := env.reload(t, captured.ID); after.RefundedAmount != 250 {
		t.Fatalf("oversized refund must not be booked: %+v", after)
	}
	if alerts := env.alerts.Alerts(); len(alerts) != 1 || alerts[0].Kind != AlertRefundExceedsCaptured {
		t.Fatalf("expected refund_exceeds_captured alert, got %+v", alerts)
	}
}

func TestWebhookSettlesPendingRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	captured := env.createCaptured(t, "k-wh-pending-refund", 1000)
	env.sandbox.FailNext(sandbox.OpRefund, payment.NewError(payment.ErrProviderUnavailable, constants.ProviderSandbox, "timeout", "", 0, nil))
	input := CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r-pending", Amount: 700}
	_, err := env.orchestrator.CreateRefund(ctx, input)
	requireCode(t, err, CodeProviderUnavailable)

	if _, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_refund_settle",
		Type: sandbox.EventRefundSucceeded,
		Data: sandbox.WebhookData{PaymentReference: captured.ProviderRef(), RefundReference: "sbx_re_late", Amount: 700},
	}); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	got := env.reload(t, captured.ID)
	if got.RefundedAmount != 700 || got.RefundReservedAmount != 0 || got.State != constants.PaymentStatePartiallyRefunded {
		t.Fatalf("pending refund should settle: %+v", got)
	}

	refund, err := env.orchestrator.CreateRefund(ctx, input)
	if err != nil {
		t.Fatalf("retry after settlement failed: %v", err)
	}
	if refund.State != constants.RefundStateSucceeded || refund.ProviderRef() != "sbx_re_late" {
		t.Fatalf("retry should return the settled refund: %+v", refund)
	}
	if calls := env.sandbox.Calls(sandbox.OpRefund); calls != 1 {
		t.Fatalf("settled refund must not be sent again, got %d calls", calls)
	}
}

func TestReprocessEventAfterPaymentAppears(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authorized := env.createAuthorized(t, "k-wh-reprocess", 1000)

	// 回调早于本地流水号落库
	reference := authorized.ProviderRef()
	env.db.Model(&models.Payment{}).Where("id = ?", authorized.ID).Update("provider_reference", nil)
	_, err := env.deliver(t, sandbox.WebhookPayload{
		ID:   "evt_early",
		Type: sandbox.EventPaymentCaptured,
		Data: sandbox.WebhookData{PaymentReference: reference, Amount: 1000},
	})
	requireCode(t, err, CodeIntegrityViolation)
	env.db.Model(&models.Payment{}).Where("id = ?", authorized.ID).Update("provider_reference", reference)

	entry, _ := env.webhooks.GetByProviderEvent(ctx, constants.ProviderSandbox, "evt_early")
	result, err := env.reconciler.ReprocessEvent(ctx, entry.ID)
	if err != nil {
		t.Fatalf("reprocess failed: %v", err)
	}
	if result.Outcome != WebhookProcessed {
		t.Fatalf("expected processed, got %s", result.Outcome)
	}
	if got := env.reload(t, authorized.ID); got.State != constants.PaymentStateCaptured {
		t.Fatalf("reprocessed event should capture, got %s", got.State)
	}
}
