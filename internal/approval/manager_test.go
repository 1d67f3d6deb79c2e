package approval

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/ledger"
	"github.com/ledgerworks/dexjournal/internal/market"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/internal/system"
)

type fakeRPC struct {
	mu          sync.Mutex
	allowance   decimal.Decimal
	submissions []decimal.Decimal
	failSubmit  bool
}

func (r *fakeRPC) GetAllowance(_ context.Context, _, _, _, _ string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowance, nil
}

func (r *fakeRPC) SubmitApproval(_ context.Context, _, _, _, _ string, amount decimal.Decimal) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSubmit {
		return "", errors.New("rpc down")
	}
	r.submissions = append(r.submissions, amount)
	return "0xapproval", nil
}

func (r *fakeRPC) WaitReceipt(_ context.Context, _, _ string) (market.Receipt, error) {
	return market.Receipt{}, nil
}

func newTestManager(t *testing.T, rpc *fakeRPC, autoRevoke bool) (*Manager, *storage.Storage, *system.Controller) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "dexjournal-approval-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateUser(&storage.User{Name: "alice", BaseCurrency: "GBP", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	sys := system.New(store, nil)
	writer := ledger.NewWriter(store, sys, nil)
	mgr := New(&Config{
		Store:      store,
		RPC:        rpc,
		Writer:     writer,
		System:     sys,
		Cap:        decimal.RequireFromString("10000"),
		AutoRevoke: autoRevoke,
	}, nil)
	return mgr, store, sys
}

func TestEnsureApprovalGrantsDoubleUpToCap(t *testing.T) {
	rpc := &fakeRPC{allowance: decimal.Zero}
	mgr, store, _ := newTestManager(t, rpc, false)

	err := mgr.EnsureApproval(context.Background(), 1, "ethereum", "0xabc", "0xtoken", "WIDGET", "0xrouter",
		decimal.RequireFromString("300"))
	if err != nil {
		t.Fatalf("EnsureApproval() error = %v", err)
	}

	// Grant = 2 x 300 = 600.
	if len(rpc.submissions) != 1 || !rpc.submissions[0].Equal(decimal.RequireFromString("600")) {
		t.Errorf("submissions = %v, want [600]", rpc.submissions)
	}

	tracked, err := store.GetApproval("ethereum", "0xabc", "0xtoken", "0xrouter")
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if !tracked.Amount.Equal(decimal.RequireFromString("600")) {
		t.Errorf("tracked amount = %s, want 600", tracked.Amount)
	}

	// The grant landed in the ledger.
	entries, _ := store.ListEntries(storage.EntryFilter{UserID: 1, EntryType: storage.EntryTypeApprove})
	if len(entries) != 1 {
		t.Fatalf("approval ledger rows = %d, want 1", len(entries))
	}

	// A huge requirement is clamped to the cap.
	err = mgr.EnsureApproval(context.Background(), 1, "ethereum", "0xabc", "0xtoken2", "W2", "0xrouter",
		decimal.RequireFromString("8000"))
	if err != nil {
		t.Fatalf("EnsureApproval() error = %v", err)
	}
	last := rpc.submissions[len(rpc.submissions)-1]
	if !last.Equal(decimal.RequireFromString("10000")) {
		t.Errorf("capped grant = %s, want 10000", last)
	}
}

func TestEnsureApprovalSufficientAllowanceOnlyRefreshes(t *testing.T) {
	rpc := &fakeRPC{allowance: decimal.RequireFromString("1000")}
	mgr, store, _ := newTestManager(t, rpc, false)

	err := mgr.EnsureApproval(context.Background(), 1, "ethereum", "0xabc", "0xtoken", "WIDGET", "0xrouter",
		decimal.RequireFromString("300"))
	if err != nil {
		t.Fatalf("EnsureApproval() error = %v", err)
	}

	if len(rpc.submissions) != 0 {
		t.Errorf("no submission expected, got %v", rpc.submissions)
	}
	// Observation is tracked.
	if _, err := store.GetApproval("ethereum", "0xabc", "0xtoken", "0xrouter"); err != nil {
		t.Errorf("observation not tracked: %v", err)
	}
	// No ledger row for a mere refresh.
	entries, _ := store.ListEntries(storage.EntryFilter{UserID: 1, EntryType: storage.EntryTypeApprove})
	if len(entries) != 0 {
		t.Errorf("refresh wrote %d ledger rows, want 0", len(entries))
	}
}

func TestEnsureApprovalRefusedUnderEmergency(t *testing.T) {
	rpc := &fakeRPC{}
	mgr, _, sys := newTestManager(t, rpc, false)

	if err := sys.SetStatus(system.ComponentApprovals, storage.StatusRunning, "", "", ""); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := sys.TripEmergency("", "incident", "operator"); err != nil {
		t.Fatalf("TripEmergency() error = %v", err)
	}

	err := mgr.EnsureApproval(context.Background(), 1, "ethereum", "0xabc", "0xtoken", "WIDGET", "0xrouter",
		decimal.RequireFromString("300"))
	if !errors.Is(err, system.ErrEmergencyActive) {
		t.Errorf("error = %v, want ErrEmergencyActive", err)
	}
}

func TestSweepRemovesExpiredAndRevokesWhenEnabled(t *testing.T) {
	rpc := &fakeRPC{}
	mgr, store, _ := newTestManager(t, rpc, true)

	base := time.Now()
	mgr.SetClock(func() time.Time { return base })

	// One expired, one fresh.
	expired := &storage.Approval{
		Chain: "ethereum", WalletAddress: "0xabc", TokenAddress: "0xold", Spender: "0xrouter",
		Amount:    decimal.RequireFromString("100"),
		GrantedAt: base.Add(-48 * time.Hour),
		Duration:  24 * time.Hour,
	}
	fresh := &storage.Approval{
		Chain: "ethereum", WalletAddress: "0xabc", TokenAddress: "0xnew", Spender: "0xrouter",
		Amount:    decimal.RequireFromString("100"),
		GrantedAt: base.Add(-time.Hour),
		Duration:  24 * time.Hour,
	}
	for _, a := range []*storage.Approval{expired, fresh} {
		if err := store.UpsertApproval(a); err != nil {
			t.Fatalf("UpsertApproval() error = %v", err)
		}
	}

	if err := mgr.Sweep(); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	// The expired grant was revoked (amount 0 submission) and dropped.
	if len(rpc.submissions) != 1 || !rpc.submissions[0].IsZero() {
		t.Errorf("submissions = %v, want one zero-amount revocation", rpc.submissions)
	}
	if _, err := store.GetApproval("ethereum", "0xabc", "0xold", "0xrouter"); !errors.Is(err, storage.ErrApprovalNotFound) {
		t.Error("expired approval still tracked after sweep")
	}
	if _, err := store.GetApproval("ethereum", "0xabc", "0xnew", "0xrouter"); err != nil {
		t.Errorf("fresh approval was removed: %v", err)
	}
}

func TestSweepDropsExpiredWithoutRevokeWhenDisabled(t *testing.T) {
	rpc := &fakeRPC{}
	mgr, store, _ := newTestManager(t, rpc, false)

	base := time.Now()
	mgr.SetClock(func() time.Time { return base })

	if err := store.UpsertApproval(&storage.Approval{
		Chain: "ethereum", WalletAddress: "0xabc", TokenAddress: "0xold", Spender: "0xrouter",
		Amount:    decimal.RequireFromString("100"),
		GrantedAt: base.Add(-48 * time.Hour),
		Duration:  24 * time.Hour,
	}); err != nil {
		t.Fatalf("UpsertApproval() error = %v", err)
	}

	if err := mgr.Sweep(); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(rpc.submissions) != 0 {
		t.Errorf("submissions = %v, want none with auto-revoke off", rpc.submissions)
	}
	// Expired records leave tracking regardless.
	if _, err := store.GetApproval("ethereum", "0xabc", "0xold", "0xrouter"); !errors.Is(err, storage.ErrApprovalNotFound) {
		t.Error("expired approval still tracked")
	}
}
