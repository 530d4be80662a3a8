package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupRepositoryTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return db
}

func strPtr(v string) *string {
	return &v
}

func newTestPayment(id string) *models.Payment {
	return &models.Payment{
		ID:       id,
		Provider: constants.ProviderStripe,
		Amount:   1000,
		Currency: "USD",
		State:    constants.PaymentStateCreated,
	}
}

func TestPaymentRepositoryProviderReferenceUnique(t *testing.T) {
	db := setupRepositoryTestDB(t, "payment_repo_unique")
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	first := newTestPayment("pay_first")
	first.ProviderReference = strPtr("pi_123")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create first failed: %v", err)
	}
	// 未设置流水号的记录可以有多条
	for _, id := range []string{"pay_null_1", "pay_null_2"} {
		if err := repo.Create(ctx, newTestPayment(id)); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}

	dup := newTestPayment("pay_dup")
	dup.ProviderReference = strPtr("pi_123")
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}

	// 不同提供方可复用同一流水号
	other := newTestPayment("pay_other")
	other.Provider = constants.ProviderPaypal
	other.ProviderReference = strPtr("pi_123")
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("create other provider failed: %v", err)
	}

	found, err := repo.GetByProviderReference(ctx, constants.ProviderStripe, "pi_123")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if found == nil || found.ID != "pay_first" {
		t.Fatalf("unexpected lookup result: %+v", found)
	}
	missing, err := repo.GetByProviderReference(ctx, constants.ProviderStripe, "pi_missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing reference, got %+v %v", missing, err)
	}
}

func TestPaymentRepositoryUpdateWithVersion(t *testing.T) {
	db := setupRepositoryTestDB(t, "payment_repo_version")
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	payment := newTestPayment("pay_version")
	if err := repo.Create(ctx, payment); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if payment.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", payment.Version)
	}

	stale, err := repo.GetByID(ctx, payment.ID)
	if err != nil || stale == nil {
		t.Fatalf("reload failed: %v", err)
	}

	payment.State = constants.PaymentStateAuthorized
	payment.Version = 2
	if err := repo.UpdateWithVersion(ctx, payment, 1); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stale.State = constants.PaymentStateCanceled
	stale.Version = 2
	if err := repo.UpdateWithVersion(ctx, stale, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	current, err := repo.GetByID(ctx, payment.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if current.State != constants.PaymentStateAuthorized || current.Version != 2 {
		t.Fatalf("unexpected persisted state: %s v%d", current.State, current.Version)
	}

	payment.Version = 2
	if err := repo.UpdateWithVersion(ctx, payment, 2); err == nil {
		t.Fatalf("expected error when version does not increase")
	}
}

func TestPaymentRepositoryList(t *testing.T) {
	db := setupRepositoryTestDB(t, "payment_repo_list")
	repo := NewPaymentRepository(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p := newTestPayment(fmt.Sprintf("pay_list_%d", i))
		p.CustomerID = "cust_a"
		if i%2 == 0 {
			p.Provider = constants.ProviderPaypal
			p.CustomerID = "cust_b"
		}
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	items, total, err := repo.List(ctx, PaymentListFilter{Provider: constants.ProviderPaypal, Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("unexpected list result total=%d len=%d", total, len(items))
	}

	items, total, err = repo.List(ctx, PaymentListFilter{CustomerID: "cust_a", State: "created"})
	if err != nil {
		t.Fatalf("list by customer failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("unexpected customer list total=%d len=%d", total, len(items))
	}
}

func TestRefundRepositoryTransitionAndSum(t *testing.T) {
	db := setupRepositoryTestDB(t, "refund_repo")
	repo := NewRefundRepository(db)
	ctx := context.Background()

	for i, amount := range []int64{300, 200} {
		refund := &models.Refund{
			ID:             fmt.Sprintf("re_%d", i),
			PaymentID:      "pay_1",
			Provider:       constants.ProviderStripe,
			IdempotencyKey: fmt.Sprintf("key_%d", i),
			Amount:         amount,
			Currency:       "USD",
			State:          constants.RefundStatePending,
		}
		if err := repo.Create(ctx, refund); err != nil {
			t.Fatalf("create refund failed: %v", err)
		}
	}

	dup := &models.Refund{ID: "re_dup", PaymentID: "pay_1", Provider: constants.ProviderStripe, IdempotencyKey: "key_0", Amount: 1, Currency: "USD", State: constants.RefundStatePending}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected duplicate idempotency key, got %v", err)
	}

	refund, err := repo.GetByPaymentAndKey(ctx, "pay_1", "key_0")
	if err != nil || refund == nil {
		t.Fatalf("lookup by key failed: %v", err)
	}
	refund.State = constants.RefundStateSucceeded
	refund.ProviderReference = strPtr("re_provider_0")
	if err := repo.TransitionState(ctx, refund, constants.RefundStatePending); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := repo.TransitionState(ctx, refund, constants.RefundStatePending); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict on second transition, got %v", err)
	}

	total, err := repo.SumSucceeded(ctx, "pay_1")
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if total != 300 {
		t.Fatalf("unexpected succeeded sum: %d", total)
	}

	byRef, err := repo.GetByProviderReference(ctx, constants.ProviderStripe, "re_provider_0")
	if err != nil || byRef == nil || byRef.ID != "re_0" {
		t.Fatalf("lookup by provider reference failed: %+v %v", byRef, err)
	}
	list, err := repo.ListByPayment(ctx, "pay_1")
	if err != nil || len(list) != 2 {
		t.Fatalf("list by payment failed: len=%d err=%v", len(list), err)
	}
}

func TestPaginateClampsWindow(t *testing.T) {
	db := setupRepositoryTestDB(t, "paginate_clamp")
	stmt := paginate(db.Model(&models.Payment{}), 0, 5000).Session(&gorm.Session{DryRun: true}).Find(&[]models.Payment{}).Statement
	if !strings.Contains(stmt.SQL.String(), "LIMIT 200") {
		t.Fatalf("expected page size clamp, got %s", stmt.SQL.String())
	}
	if strings.Contains(stmt.SQL.String(), "OFFSET") {
		t.Fatalf("first page should not carry offset, got %s", stmt.SQL.String())
	}
	unbounded := paginate(db.Model(&models.Payment{}), 3, 0).Session(&gorm.Session{DryRun: true}).Find(&[]models.Payment{}).Statement
	if strings.Contains(unbounded.SQL.String(), "LIMIT") {
		t.Fatalf("zero page size should not paginate, got %s", unbounded.SQL.String())
	}
}
