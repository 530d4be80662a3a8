package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/models"
)

func idempotencyBackends(t *testing.T) map[string]IdempotencyRepository {
	t.Helper()
	bolt, err := NewBoltIdempotencyRepository(filepath.Join(t.TempDir(), "idem.bolt"))
	if err != nil {
		t.Fatalf("open bolt failed: %v", err)
	}
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]IdempotencyRepository{
		"database": NewIdempotencyRepository(setupRepositoryTestDB(t, "idem_repo")),
		"bolt":     bolt,
	}
}

func newCandidate(key, fingerprint string, now time.Time) *models.IdempotencyRecord {
	lockedUntil := now.Add(time.Minute)
	return &models.IdempotencyRecord{
		Scope:              constants.IdempotencyScopeCreatePayment,
		IdempotencyKey:     key,
		RequestFingerprint: fingerprint,
		HolderToken:        fmt.Sprintf("%s@%d", key, now.UnixNano()),
		LockedUntil:        &lockedUntil,
		ExpiresAt:          now.Add(24 * time.Hour),
	}
}

func TestIdempotencyAcquireLifecycle(t *testing.T) {
	for name, repo := range idempotencyBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			first, err := repo.Acquire(ctx, newCandidate("k1", "fp1", now), now)
			if err != nil || !first.Acquired {
				t.Fatalf("first acquire should win: %+v %v", first, err)
			}

			second, err := repo.Acquire(ctx, newCandidate("k1", "fp1", now), now)
			if err != nil {
				t.Fatalf("second acquire failed: %v", err)
			}
			if second.Acquired || second.Record.Status != constants.IdempotencyStatusProcessing {
				t.Fatalf("second acquire should observe processing record: %+v", second)
			}

			if err := repo.AttachResource(ctx, constants.IdempotencyScopeCreatePayment, "k1", first.Record.HolderToken, "pay_1"); err != nil {
				t.Fatalf("attach failed: %v", err)
			}
			if err := repo.Complete(ctx, constants.IdempotencyScopeCreatePayment, "k1", first.Record.HolderToken, IdempotencyOutcome{ResponseBody: `{"id":"pay_1"}`}); err != nil {
				t.Fatalf("complete failed: %v", err)
			}
			if err := repo.Complete(ctx, constants.IdempotencyScopeCreatePayment, "k1", first.Record.HolderToken, IdempotencyOutcome{}); !errors.Is(err, ErrStateConflict) {
				t.Fatalf("completing twice should conflict, got %v", err)
			}

			replay, err := repo.Acquire(ctx, newCandidate("k1", "fp1", now), now)
			if err != nil || replay.Acquired {
				t.Fatalf("completed record must not be reacquired: %+v %v", replay, err)
			}
			if replay.Record.ResourceID != "pay_1" || replay.Record.ResponseBody != `{"id":"pay_1"}` {
				t.Fatalf("unexpected stored result: %+v", replay.Record)
			}

			conflict, err := repo.Acquire(ctx, newCandidate("k1", "fp2", now), now)
			if err != nil || conflict.Acquired || conflict.Record.RequestFingerprint != "fp1" {
				t.Fatalf("different fingerprint should return stored record: %+v %v", conflict, err)
			}
		})
	}
}

func TestIdempotencyTakeOverRetryableAndStale(t *testing.T) {
	for name, repo := range idempotencyBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			held, err := repo.Acquire(ctx, newCandidate("retry", "fp", now), now)
			if err != nil {
				t.Fatalf("acquire failed: %v", err)
			}
			holder := held.Record.HolderToken
			if err := repo.AttachResource(ctx, constants.IdempotencyScopeCreatePayment, "retry", holder, "pay_keep"); err != nil {
				t.Fatalf("attach failed: %v", err)
			}
			if err := repo.MarkRetryable(ctx, constants.IdempotencyScopeCreatePayment, "retry", holder, "provider timeout"); err != nil {
				t.Fatalf("mark retryable failed: %v", err)
			}
			retried, err := repo.Acquire(ctx, newCandidate("retry", "fp", now), now)
			if err != nil || !retried.Acquired || !retried.TookOver {
				t.Fatalf("retryable record should be taken over: %+v %v", retried, err)
			}
			if retried.Record.ResourceID != "pay_keep" {
				t.Fatalf("take over must keep resource id, got %q", retried.Record.ResourceID)
			}

			if _, err := repo.Acquire(ctx, newCandidate("stale", "fp", now), now); err != nil {
				t.Fatalf("acquire stale failed: %v", err)
			}
			later := now.Add(2 * time.Minute)
			stale, err := repo.Acquire(ctx, newCandidate("stale", "fp", later), later)
			if err != nil || !stale.Acquired || !stale.TookOver {
				t.Fatalf("expired lease should be taken over: %+v %v", stale, err)
			}
		})
	}
}

func TestIdempotencyExpiredRecordsAreReplacedAndPurged(t *testing.T) {
	for name, repo := range idempotencyBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			candidate := newCandidate("old", "fp_old", now)
			candidate.ExpiresAt = now.Add(time.Hour)
			if _, err := repo.Acquire(ctx, candidate, now); err != nil {
				t.Fatalf("acquire failed: %v", err)
			}
			if err := repo.Complete(ctx, constants.IdempotencyScopeCreatePayment, "old", candidate.HolderToken, IdempotencyOutcome{ResourceID: "pay_old"}); err != nil {
				t.Fatalf("complete failed: %v", err)
			}

			later := now.Add(2 * time.Hour)
			replaced, err := repo.Acquire(ctx, newCandidate("old", "fp_new", later), later)
			if err != nil || !replaced.Acquired {
				t.Fatalf("expired record should be replaced: %+v %v", replaced, err)
			}
			if replaced.Record.ResourceID != "" || replaced.Record.RequestFingerprint != "fp_new" {
				t.Fatalf("replaced record must start fresh: %+v", replaced.Record)
			}

			purgeCandidate := newCandidate("purge", "fp", now)
			purgeCandidate.ExpiresAt = now.Add(time.Minute)
			if _, err := repo.Acquire(ctx, purgeCandidate, now); err != nil {
				t.Fatalf("acquire purge failed: %v", err)
			}
			if err := repo.Complete(ctx, constants.IdempotencyScopeCreatePayment, "purge", purgeCandidate.HolderToken, IdempotencyOutcome{}); err != nil {
				t.Fatalf("complete purge failed: %v", err)
			}
			deleted, err := repo.DeleteExpired(ctx, now.Add(10*time.Minute), 100)
			if err != nil {
				t.Fatalf("delete expired failed: %v", err)
			}
			if deleted != 1 {
				t.Fatalf("expected one purged record, got %d", deleted)
			}
			gone, err := repo.Get(ctx, constants.IdempotencyScopeCreatePayment, "purge")
			if err != nil || gone != nil {
				t.Fatalf("purged record should be gone: %+v %v", gone, err)
			}
		})
	}
}

func TestIdempotencySupersededHolderCannotFinish(t *testing.T) {
	for name, repo := range idempotencyBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			scope := constants.IdempotencyScopeCreatePayment

			stale, err := repo.Acquire(ctx, newCandidate("lease", "fp", now), now)
			if err != nil || !stale.Acquired {
				t.Fatalf("first acquire failed: %+v %v", stale, err)
			}
			staleHolder := stale.Record.HolderToken

			// 租约过期后被接管，旧处理者随后才返回
			later := now.Add(2 * time.Minute)
			current, err := repo.Acquire(ctx, newCandidate("lease", "fp", later), later)
			if err != nil || !current.TookOver {
				t.Fatalf("takeover failed: %+v %v", current, err)
			}
			if current.Record.HolderToken == staleHolder {
				t.Fatalf("takeover must rotate the holder token")
			}

			if err := repo.AttachResource(ctx, scope, "lease", staleHolder, "pay_stale"); !errors.Is(err, ErrStateConflict) {
				t.Fatalf("stale attach should conflict, got %v", err)
			}
			if err := repo.Complete(ctx, scope, "lease", staleHolder, IdempotencyOutcome{ResourceID: "pay_stale", ResponseBody: `{"id":"pay_stale"}`}); !errors.Is(err, ErrStateConflict) {
				t.Fatalf("stale complete should conflict, got %v", err)
			}
			if err := repo.MarkRetryable(ctx, scope, "lease", staleHolder, "late timeout"); !errors.Is(err, ErrStateConflict) {
				t.Fatalf("stale mark retryable should conflict, got %v", err)
			}

			if err := repo.Complete(ctx, scope, "lease", current.Record.HolderToken, IdempotencyOutcome{ResourceID: "pay_new", ResponseBody: `{"id":"pay_new"}`}); err != nil {
				t.Fatalf("current holder complete failed: %v", err)
			}
			stored, err := repo.Get(ctx, scope, "lease")
			if err != nil || stored.ResourceID != "pay_new" || stored.Status != constants.IdempotencyStatusCompleted {
				t.Fatalf("current holder result should win: %+v %v", stored, err)
			}
		})
	}
}
