package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/payment"
	"github.com/payment-orchestrator/internal/payment/sandbox"
)

func TestCreatePaymentReplaysSameKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	input := CreatePaymentInput{
		IdempotencyKey:     "k1",
		Provider:           constants.ProviderSandbox,
		Amount:             1000,
		Currency:           "usd",
		PaymentMethodToken: "tok_visa",
	}

	first, err := env.orchestrator.CreatePayment(ctx, input)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if first.State != constants.PaymentStateAuthorized || first.ProviderRef() == "" {
		t.Fatalf("unexpected first payment: %+v", first)
	}
	if first.Currency != "USD" {
		t.Fatalf("currency should be normalized, got %s", first.Currency)
	}

	second, err := env.orchestrator.CreatePayment(ctx, input)
	if err != nil {
		t.Fatalf("replayed create failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different payment: %s vs %s", second.ID, first.ID)
	}
	if calls := env.sandbox.Calls(sandbox.OpCreate); calls != 1 {
		t.Fatalf("expected exactly one provider call, got %d", calls)
	}
}

func TestCreatePaymentKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAuthorized(t, "k-conflict", 1000)

	_, err := env.orchestrator.CreatePayment(ctx, CreatePaymentInput{
		IdempotencyKey:     "k-conflict",
		Provider:           constants.ProviderSandbox,
		Amount:             2000,
		Currency:           "USD",
		PaymentMethodToken: "tok_visa",
	})
	requireCode(t, err, CodeIdempotencyConflict)
	if calls := env.sandbox.Calls(sandbox.OpCreate); calls != 1 {
		t.Fatalf("conflict must not reach the provider, got %d calls", calls)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		input CreatePaymentInput
		code  string
	}{
		{"missing key", CreatePaymentInput{Provider: constants.ProviderSandbox, Amount: 1, Currency: "USD"}, CodeIdempotencyKeyMissing},
		{"zero amount", CreatePaymentInput{IdempotencyKey: "v1", Provider: constants.ProviderSandbox, Currency: "USD"}, CodeValidation},
		{"bad currency", CreatePaymentInput{IdempotencyKey: "v2", Provider: constants.ProviderSandbox, Amount: 1, Currency: "US"}, CodeValidation},
		{"disabled provider", CreatePaymentInput{IdempotencyKey: "v3", Provider: constants.ProviderStripe, Amount: 1, Currency: "USD"}, CodeProviderNotEnabled},
	}
	for _, tc := range cases {
		_, err := env.orchestrator.CreatePayment(ctx, tc.input)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		requireCode(t, err, tc.code)
	}
	if calls := env.sandbox.Calls(sandbox.OpCreate); calls != 0 {
		t.Fatalf("invalid requests must not reach the provider, got %d", calls)
	}
}

func TestCreatePaymentDeclineIsTerminalAndReplayed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	input := CreatePaymentInput{
		IdempotencyKey:     "k-decline",
		Provider:           constants.ProviderSandbox,
		Amount:             500,
		Currency:           "EUR",
		PaymentMethodToken: sandbox.TokenDecline,
	}
	_, err := env.orchestrator.CreatePayment(ctx, input)
	appErr := requireCode(t, err, CodeProviderRejected)
	if appErr.Retryable {
		t.Fatalf("decline must not be retryable")
	}
	paymentID, _ := appErr.Details["payment_id"].(string)
	if paymentID == "" {
		t.Fatalf("error should carry payment_id: %+v", appErr.Details)
	}
	if got := env.reload(t, paymentID); got.State != constants.PaymentStateFailed || got.FailureCode != "card_declined" {
		t.Fatalf("expected FAILED with provider code, got %s/%s", got.State, got.FailureCode)
	}

	_, err = env.orchestrator.CreatePayment(ctx, input)
	replayed := requireCode(t, err, CodeProviderRejected)
	if replayed.Details["payment_id"] != paymentID {
		t.Fatalf("replayed error should reference the same payment: %+v", replayed.Details)
	}
	if calls := env.sandbox.Calls(sandbox.OpCreate); calls != 1 {
		t.Fatalf("terminal failure must be replayed without a provider call, got %d", calls)
	}
}

func TestCreatePaymentRetryableFailureResumesSamePayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.sandbox.FailNext(sandbox.OpCreate, payment.NewError(payment.ErrProviderUnavailable, constants.ProviderSandbox, "timeout", "timed out", 0, nil))
	input := CreatePaymentInput{
		IdempotencyKey:     "k-retry",
		Provider:           constants.ProviderSandbox,
		Amount:             750,
		Currency:           "USD",
		PaymentMethodToken: "tok_visa",
	}

	_, err := env.orchestrator.CreatePayment(ctx, input)
	appErr := requireCode(t, err, CodeProviderUnavailable)
	if !appErr.Retryable {
		t.Fatalf("unavailable must be retryable")
	}
	paymentID, _ := appErr.Details["payment_id"].(string)
	if got := env.reload(t, paymentID); got.State != constants.PaymentStateCreated {
		t.Fatalf("payment should stay CREATED, got %s", got.State)
	}

	retried, err := env.orchestrator.CreatePayment(ctx, input)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.ID != paymentID || retried.State != constants.PaymentStateAuthorized {
		t.Fatalf("retry should resume %s, got %s in %s", paymentID, retried.ID, retried.State)
	}
	if calls := env.sandbox.Calls(sandbox.OpCreate); calls != 2 {
		t.Fatalf("expected two provider attempts, got %d", calls)
	}
}

func TestCreatePaymentPendingStoresApprovalState(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.orchestrator.CreatePayment(context.Background(), CreatePaymentInput{
		IdempotencyKey:     "k-pending",
		Provider:           constants.ProviderSandbox,
		Amount:             300,
		Currency:           "USD",
		PaymentMethodToken: sandbox.TokenPending,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.State != constants.PaymentStateCreated || created.ProviderRef() == "" {
		t.Fatalf("pending payment should stay CREATED with a reference: %+v", created)
	}
}

func TestCaptureAndRefundLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	captured := env.createCaptured(t, "k-life", 1000)
	if captured.CapturedAmount != 1000 || captured.CaptureReference == "" {
		t.Fatalf("unexpected captured payment: %+v", captured)
	}

	first, err := env.orchestrator.CreateRefund(ctx, CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r1", Amount: 400})
	if err != nil {
		t.Fatalf("first refund failed: %v", err)
	}
	if first.State != constants.RefundStateSucceeded || first.ProviderRef() == "" {
		t.Fatalf("unexpected refund: %+v", first)
	}
	afterFirst := env.reload(t, captured.ID)
	if afterFirst.State != constants.PaymentStatePartiallyRefunded || afterFirst.RefundableAmount() != 600 {
		t.Fatalf("expected PARTIALLY_REFUNDED with 600 left, got %s / %d", afterFirst.State, afterFirst.RefundableAmount())
	}

	if _, err := env.orchestrator.CreateRefund(ctx, CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r2", Amount: 600}); err != nil {
		t.Fatalf("second refund failed: %v", err)
	}
	afterSecond := env.reload(t, captured.ID)
	if afterSecond.State != constants.PaymentStateRefunded || afterSecond.RefundedAmount != 1000 || afterSecond.RefundReservedAmount != 0 {
		t.Fatalf("expected REFUNDED, got %+v", afterSecond)
	}

	_, err = env.orchestrator.CreateRefund(ctx, CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r3", Amount: 1})
	appErr := requireCode(t, err, CodeInvalidStateTransition)
	if appErr.Details["current_state"] != constants.PaymentStateRefunded {
		t.Fatalf("error should carry current state: %+v", appErr.Details)
	}

	refunds, err := env.orchestrator.ListRefunds(ctx, captured.ID)
	if err != nil {
		t.Fatalf("list refunds failed: %v", err)
	}
	if len(refunds) != 2 {
		t.Fatalf("expected two refunds, got %d", len(refunds))
	}
}

func TestRefundExceedingRefundableIsRejected(t *testing.T) {
	env := newTestEnv(t)
	captured := env.createCaptured(t, "k-exceed", 1000)
	_, err := env.orchestrator.CreateRefund(context.Background(), CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r-big", Amount: 1001})
	appErr := requireCode(t, err, CodeRefundAmountExceeded)
	if appErr.Details["refundable_amount"] != int64(1000) {
		t.Fatalf("expected refundable amount in details, got %+v", appErr.Details)
	}
	if calls := env.sandbox.Calls(sandbox.OpRefund); calls != 0 {
		t.Fatalf("rejected refund must not reach the provider")
	}
}

func TestRefundBeforeCaptureIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	authorized := env.createAuthorized(t, "k-early", 1000)
	_, err := env.orchestrator.CreateRefund(context.Background(), CreateRefundInput{PaymentID: authorized.ID, IdempotencyKey: "r-early", Amount: 100})
	requireCode(t, err, CodeInvalidStateTransition)
}

func TestRefundInsufficientFundsReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created, err := env.orchestrator.CreatePayment(ctx, CreatePaymentInput{
		IdempotencyKey:     "k-refund-nsf",
		Provider:           constants.ProviderSandbox,
		Amount:             1000,
		Currency:           "USD",
		PaymentMethodToken: sandbox.TokenRefundInsufficient,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.orchestrator.CapturePayment(ctx, CapturePaymentInput{PaymentID: created.ID, IdempotencyKey: "c-nsf"}); err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	_, err = env.orchestrator.CreateRefund(ctx, CreateRefundInput{PaymentID: created.ID, IdempotencyKey: "r-nsf", Amount: 200})
	appErr := requireCode(t, err, CodeInsufficientFunds)
	refundID, _ := appErr.Details["refund_id"].(string)
	refund, err := env.orchestrator.GetRefund(ctx, refundID)
	if err != nil {
		t.Fatalf("get refund failed: %v", err)
	}
	if refund.State != constants.RefundStateFailed {
		t.Fatalf("refund should be failed, got %s", refund.State)
	}
	current := env.reload(t, created.ID)
	if current.State != constants.PaymentStateCaptured || current.RefundReservedAmount != 0 || current.RefundableAmount() != 1000 {
		t.Fatalf("reservation should be released: %+v", current)
	}
}

func TestRefundRetryableFailureKeepsReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	captured := env.createCaptured(t, "k-refund-retry", 1000)
	env.sandbox.FailNext(sandbox.OpRefund, payment.NewError(payment.ErrProviderUnavailable, constants.ProviderSandbox, "timeout", "timed out", 0, nil))

	input := CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r-retry", Amount: 700}
	_, err := env.orchestrator.CreateRefund(ctx, input)
	requireCode(t, err, CodeProviderUnavailable)
	if got := env.reload(t, captured.ID); got.RefundReservedAmount != 700 || got.RefundableAmount() != 300 {
		t.Fatalf("reservation should be held while retryable: %+v", got)
	}
	// 预留期间其他退款不能超额
	_, err = env.orchestrator.CreateRefund(ctx, CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r-other", Amount: 400})
	requireCode(t, err, CodeRefundAmountExceeded)

	refund, err := env.orchestrator.CreateRefund(ctx, input)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if refund.State != constants.RefundStateSucceeded {
		t.Fatalf("retry should complete the refund, got %s", refund.State)
	}
	refunds, _ := env.orchestrator.ListRefunds(ctx, captured.ID)
	if len(refunds) != 1 {
		t.Fatalf("retry must reuse the reserved refund, got %d refunds", len(refunds))
	}
}

func TestConcurrentCapturesReachProviderOnce(t *testing.T) {
	env := newTestEnv(t)
	authorized := env.createAuthorized(t, "k-race", 1000)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for _, key := range []string{"cap-a", "cap-b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := env.orchestrator.CapturePayment(context.Background(), CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: key})
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		requireCode(t, err, CodeInvalidStateTransition)
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful capture, got %d (%v)", succeeded, results)
	}
	if calls := env.sandbox.Calls(sandbox.OpCapture); calls != 1 {
		t.Fatalf("expected exactly one provider capture, got %d", calls)
	}
	if got := env.reload(t, authorized.ID); got.State != constants.PaymentStateCaptured || got.PendingOperation != "" {
		t.Fatalf("unexpected final payment: %+v", got)
	}
}

func TestConcurrentRefundsNeverExceedCaptured(t *testing.T) {
	env := newTestEnv(t)
	captured := env.createCaptured(t, "k-refund-race", 1000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int64
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refund, err := env.orchestrator.CreateRefund(context.Background(), CreateRefundInput{
				PaymentID:      captured.ID,
				IdempotencyKey: "race-" + string(rune('a'+i)),
				Amount:         300,
			})
			if err != nil {
				var appErr *Error
				if !errors.As(err, &appErr) || appErr.Code != CodeRefundAmountExceeded {
					t.Errorf("unexpected refund error: %v", err)
				}
				return
			}
			mu.Lock()
			accepted += refund.Amount
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if accepted != 900 {
		t.Fatalf("expected three refunds of 300 to succeed, got %d", accepted)
	}
	got := env.reload(t, captured.ID)
	if got.RefundedAmount != 900 || got.RefundedAmount > got.CapturedAmount {
		t.Fatalf("refunded amount broke the cap: %+v", got)
	}
}

func TestCaptureAlreadyCapturedAtProviderIsSuccess(t *testing.T) {
	env := newTestEnv(t)
	authorized := env.createAuthorized(t, "k-already", 1000)
	env.sandbox.FailNext(sandbox.OpCapture, payment.NewError(payment.ErrAlreadyCaptured, constants.ProviderSandbox, "already_captured", "", http.StatusConflict, nil))

	captured, err := env.orchestrator.CapturePayment(context.Background(), CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-already"})
	if err != nil {
		t.Fatalf("already captured should be treated as success: %v", err)
	}
	if captured.State != constants.PaymentStateCaptured {
		t.Fatalf("expected CAPTURED, got %s", captured.State)
	}
}

func TestCaptureRejectedFailsPayment(t *testing.T) {
	env := newTestEnv(t)
	authorized := env.createAuthorized(t, "k-cap-reject", 1000)
	env.sandbox.FailNext(sandbox.OpCapture, payment.NewError(payment.ErrProviderRejected, constants.ProviderSandbox, "expired_authorization", "", http.StatusBadRequest, nil))

	_, err := env.orchestrator.CapturePayment(context.Background(), CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-reject"})
	requireCode(t, err, CodeProviderRejected)
	got := env.reload(t, authorized.ID)
	if got.State != constants.PaymentStateFailed || got.PendingOperation != "" {
		t.Fatalf("expected FAILED without claim, got %+v", got)
	}
}

func TestCaptureRetryableKeepsClaimForSameKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authorized := env.createAuthorized(t, "k-cap-retry", 1000)
	env.sandbox.FailNext(sandbox.OpCapture, payment.NewError(payment.ErrProviderUnavailable, constants.ProviderSandbox, "timeout", "", 0, nil))

	_, err := env.orchestrator.CapturePayment(ctx, CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-retry"})
	requireCode(t, err, CodeProviderUnavailable)
	if got := env.reload(t, authorized.ID); got.PendingOperation != constants.PendingOperationCapture {
		t.Fatalf("claim should be held, got %+v", got)
	}

	// 其他键在占用期间被拒绝
	_, err = env.orchestrator.CapturePayment(ctx, CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-intruder"})
	requireCode(t, err, CodeInvalidStateTransition)

	captured, err := env.orchestrator.CapturePayment(ctx, CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-retry"})
	if err != nil {
		t.Fatalf("retry with same key failed: %v", err)
	}
	if captured.State != constants.PaymentStateCaptured {
		t.Fatalf("expected CAPTURED, got %s", captured.State)
	}
}

func TestPartialCaptureBoundsAmount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authorized := env.createAuthorized(t, "k-partial", 1000)

	_, err := env.orchestrator.CapturePayment(ctx, CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-too-much", Amount: 1001})
	requireCode(t, err, CodeValidation)

	captured, err := env.orchestrator.CapturePayment(ctx, CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-part", Amount: 600})
	if err != nil {
		t.Fatalf("partial capture failed: %v", err)
	}
	if captured.CapturedAmount != 600 || captured.RefundableAmount() != 600 {
		t.Fatalf("unexpected captured amount: %+v", captured)
	}
}

func TestCancelPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	authorized := env.createAuthorized(t, "k-cancel", 1000)

	canceled, err := env.orchestrator.CancelPayment(ctx, CancelPaymentInput{PaymentID: authorized.ID, IdempotencyKey: "x-1"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if canceled.State != constants.PaymentStateCanceled || canceled.CanceledAt == nil {
		t.Fatalf("expected CANCELED, got %+v", canceled)
	}
	if calls := env.sandbox.Calls(sandbox.OpCancel); calls != 1 {
		t.Fatalf("expected provider void, got %d calls", calls)
	}

	_, err = env.orchestrator.CapturePayment(ctx, CapturePaymentInput{PaymentID: authorized.ID, IdempotencyKey: "c-after-cancel"})
	requireCode(t, err, CodeInvalidStateTransition)
}

func TestCancelCapturedPaymentIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	captured := env.createCaptured(t, "k-cancel-captured", 1000)
	_, err := env.orchestrator.CancelPayment(context.Background(), CancelPaymentInput{PaymentID: captured.ID, IdempotencyKey: "x-2"})
	requireCode(t, err, CodeInvalidStateTransition)
	if calls := env.sandbox.Calls(sandbox.OpCancel); calls != 0 {
		t.Fatalf("invalid cancel must not reach the provider")
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orchestrator.GetPayment(context.Background(), "pay_missing")
	appErr := requireCode(t, err, CodePaymentNotFound)
	if appErr.HTTPStatus() != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", appErr.HTTPStatus())
	}
}

func TestRefundWithoutAmountRefundsRemainder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	captured := env.createCaptured(t, "k-refund-rest", 1000)
	if _, err := env.orchestrator.CreateRefund(ctx, CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r-part", Amount: 300}); err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}

	input := CreateRefundInput{PaymentID: captured.ID, IdempotencyKey: "r-rest"}
	rest, err := env.orchestrator.CreateRefund(ctx, input)
	if err != nil {
		t.Fatalf("remainder refund failed: %v", err)
	}
	if rest.Amount != 700 {
		t.Fatalf("expected remaining 700 to be refunded, got %d", rest.Amount)
	}
	if got := env.reload(t, captured.ID); got.State != constants.PaymentStateRefunded {
		t.Fatalf("expected REFUNDED, got %s", got.State)
	}

	replayed, err := env.orchestrator.CreateRefund(ctx, input)
	if err != nil || replayed.ID != rest.ID {
		t.Fatalf("retry should replay the same refund: %v", err)
	}
}
