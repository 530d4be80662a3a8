package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/payment"
	"github.com/payment-orchestrator/internal/payment/sandbox"
	"github.com/payment-orchestrator/internal/repository"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testWebhookSecret = "sandbox-test-secret"

type testEnv struct {
	db           *gorm.DB
	sandbox      *sandbox.Client
	alerts       *MemoryAlertSink
	orchestrator *Orchestrator
	reconciler   *Reconciler
	payments     *repository.GormPaymentRepository
	refunds      *repository.GormRefundRepository
	webhooks     *repository.GormWebhookEventRepository
	idempotency  *repository.GormIdempotencyRepository
}

type envOption func(*OrchestratorDeps)

func withPolicy(policy string, wait time.Duration) envOption {
	return func(deps *OrchestratorDeps) {
		deps.Idempotency.Policy = policy
		deps.Idempotency.WaitTimeout = wait
		deps.Idempotency.PollInterval = 5 * time.Millisecond
	}
}

// withProviders 用给定客户端替换默认沙箱注册表
func withProviders(clients ...payment.Client) envOption {
	return func(deps *OrchestratorDeps) {
		deps.Providers = payment.NewRegistry(clients...)
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.Migrate(db); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	sbx, err := sandbox.New(sandbox.Config{WebhookSecret: testWebhookSecret, NativeIdempotency: true})
	if err != nil {
		t.Fatalf("sandbox init failed: %v", err)
	}
	env := &testEnv{
		db:          db,
		sandbox:     sbx,
		alerts:      &MemoryAlertSink{},
		payments:    repository.NewPaymentRepository(db),
		refunds:     repository.NewRefundRepository(db),
		webhooks:    repository.NewWebhookEventRepository(db),
		idempotency: repository.NewIdempotencyRepository(db),
	}
	deps := OrchestratorDeps{
		DB:              db,
		PaymentRepo:     env.payments,
		RefundRepo:      env.refunds,
		IdempotencyRepo: env.idempotency,
		Providers:       payment.NewRegistry(sbx),
		Alerts:          env.alerts,
		OCCMaxRetries:   5,
		OCCBackoff:      time.Millisecond,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.orchestrator = NewOrchestrator(deps)
	env.reconciler = NewReconciler(env.orchestrator, env.webhooks, nil, ReconcilerOptions{ProcessingTimeout: 5 * time.Second})
	return env
}

func (e *testEnv) createAuthorized(t *testing.T, key string, amount int64) *models.Payment {
	t.Helper()
	created, err := e.orchestrator.CreatePayment(context.Background(), CreatePaymentInput{
		IdempotencyKey:     key,
		Provider:           constants.ProviderSandbox,
		Amount:             amount,
		Currency:           "USD",
		PaymentMethodToken: "tok_visa",
	})
	if err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	if created.State != constants.PaymentStateAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s", created.State)
	}
	return created
}

func (e *testEnv) createCaptured(t *testing.T, key string, amount int64) *models.Payment {
	t.Helper()
	created := e.createAuthorized(t, key, amount)
	captured, err := e.orchestrator.CapturePayment(context.Background(), CapturePaymentInput{
		PaymentID:      created.ID,
		IdempotencyKey: key + "-capture",
	})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if captured.State != constants.PaymentStateCaptured {
		t.Fatalf("expected CAPTURED, got %s", captured.State)
	}
	return captured
}

func (e *testEnv) reload(t *testing.T, paymentID string) *models.Payment {
	t.Helper()
	found, err := e.payments.GetByID(context.Background(), paymentID)
	if err != nil || found == nil {
		t.Fatalf("reload payment %s failed: %v", paymentID, err)
	}
	return found
}

func (e *testEnv) deliver(t *testing.T, payload sandbox.WebhookPayload) (*WebhookResult, error) {
	t.Helper()
	if payload.Created == 0 {
		payload.Created = time.Now().Unix()
	}
	body, headers, err := e.sandbox.SignedRequest(payload)
	if err != nil {
		t.Fatalf("sign webhook failed: %v", err)
	}
	return e.reconciler.HandleWebhook(context.Background(), constants.ProviderSandbox, body, headers)
}

func requireCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *Error %s, got %T: %v", code, err, err)
	}
	if appErr.Code != code {
		t.Fatalf("expected %s, got %s (%v)", code, appErr.Code, appErr)
	}
	return appErr
}
