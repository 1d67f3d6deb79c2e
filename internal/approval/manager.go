// Package approval tracks on-chain spending allowances and schedules their
// revocation.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/ledger"
	"github.com/ledgerworks/dexjournal/internal/market"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/internal/system"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// defaultDuration bounds a fresh allowance's lifetime.
const defaultDuration = 24 * time.Hour

// rpcTimeout bounds each allowance read and approval submission.
const rpcTimeout = 5 * time.Second

// Manager grants, tracks, and revokes spending allowances per
// (chain, wallet, token, spender).
type Manager struct {
	store      *storage.Storage
	rpc        market.RpcClient
	writer     *ledger.Writer
	sys        *system.Controller
	cap        decimal.Decimal
	autoRevoke bool
	log        *logging.Logger

	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	now      func() time.Time
}

// Config holds approval manager configuration.
type Config struct {
	Store  *storage.Storage
	RPC    market.RpcClient
	Writer *ledger.Writer
	System *system.Controller
	// Cap bounds any single grant.
	Cap decimal.Decimal
	// AutoRevoke submits revocations for expired approvals.
	AutoRevoke bool
	// SweepInterval is how often the background sweeper runs (default 1m).
	SweepInterval time.Duration
}

// New creates an approval manager.
func New(cfg *Config, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.GetDefault()
	}
	ctx, cancel := context.WithCancel(context.Background())
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = time.Minute
	}
	return &Manager{
		store:      cfg.Store,
		rpc:        cfg.RPC,
		writer:     cfg.Writer,
		sys:        cfg.System,
		cap:        cfg.Cap,
		autoRevoke: cfg.AutoRevoke,
		log:        log.Component("approvals"),
		interval:   interval,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// SetClock overrides the manager's clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the background sweeper.
func (m *Manager) Start() {
	go m.run()
	m.log.Info("Approval sweeper started", "interval", m.interval, "auto_revoke", m.autoRevoke)
}

// Stop stops the sweeper.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
	m.log.Info("Approval sweeper stopped")
}

// EnsureApproval makes sure the spender's allowance covers the required
// amount. A sufficient on-chain allowance is recorded as refreshed;
// otherwise a new grant of min(2x required, cap) is submitted and an
// approval row lands in the ledger.
func (m *Manager) EnsureApproval(ctx context.Context, userID int64, chain, wallet, token, tokenSymbol, spender string, required decimal.Decimal) error {
	if m.sys != nil {
		stopped, err := m.sys.EmergencyActive()
		if err != nil {
			return err
		}
		if stopped {
			return system.ErrEmergencyActive
		}
	}
	if !required.IsPositive() {
		return fmt.Errorf("required amount must be positive")
	}

	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	allowance, err := m.rpc.GetAllowance(rpcCtx, chain, wallet, token, spender)
	if err != nil {
		return fmt.Errorf("%w: allowance read failed: %v", market.ErrRPCUnavailable, err)
	}

	now := m.now()
	if allowance.GreaterThanOrEqual(required) {
		// Sufficient: record the observation and keep the grant window.
		existing, err := m.store.GetApproval(chain, wallet, token, spender)
		if err != nil && !errors.Is(err, storage.ErrApprovalNotFound) {
			return err
		}
		if existing != nil {
			return m.store.TouchApproval(chain, wallet, token, spender, now)
		}
		return m.store.UpsertApproval(&storage.Approval{
			Chain:         chain,
			WalletAddress: wallet,
			TokenAddress:  token,
			Spender:       spender,
			Amount:        allowance,
			GrantedAt:     now,
			Duration:      defaultDuration,
		})
	}

	grant := required.Mul(decimal.NewFromInt(2))
	if m.cap.IsPositive() && grant.GreaterThan(m.cap) {
		grant = m.cap
	}

	subCtx, cancelSub := context.WithTimeout(ctx, rpcTimeout)
	defer cancelSub()
	txHash, err := m.rpc.SubmitApproval(subCtx, chain, wallet, token, spender, grant)
	if err != nil {
		return fmt.Errorf("%w: approval submission failed: %v", market.ErrRPCUnavailable, err)
	}

	if err := m.store.UpsertApproval(&storage.Approval{
		Chain:         chain,
		WalletAddress: wallet,
		TokenAddress:  token,
		Spender:       spender,
		Amount:        grant,
		GrantedAt:     now,
		Duration:      defaultDuration,
	}); err != nil {
		return err
	}

	_, err = m.writer.WriteApproval(&ledger.ApprovalInput{
		UserID:        userID,
		TxHash:        txHash,
		Chain:         chain,
		WalletAddress: wallet,
		TokenAddress:  token,
		TokenSymbol:   tokenSymbol,
		Spender:       spender,
		Amount:        grant,
		FxRate:        decimal.NewFromInt(1),
		CreatedAt:     now,
	})
	if err != nil {
		return err
	}

	m.log.Info("Approval granted",
		"chain", chain, "token", token, "spender", spender, "amount", grant, "tx", txHash)
	return nil
}

// run is the sweeper loop.
func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(); err != nil {
				m.log.Error("Approval sweep failed", "error", err)
			}
		}
	}
}

// Sweep walks tracked approvals: expired ones are revoked on-chain when
// auto-revoke is enabled and dropped from tracking whether or not it is. An
// expired approval whose revocation fails stays tracked for the next sweep.
func (m *Manager) Sweep() error {
	if m.sys != nil {
		stopped, err := m.sys.EmergencyActive()
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}

	approvals, err := m.store.ListApprovals()
	if err != nil {
		return err
	}

	now := m.now()
	for _, a := range approvals {
		if now.Before(a.ExpiresAt()) {
			continue
		}

		if m.autoRevoke && a.Amount.IsPositive() {
			ctx, cancel := context.WithTimeout(m.ctx, rpcTimeout)
			txHash, err := m.rpc.SubmitApproval(ctx, a.Chain, a.WalletAddress, a.TokenAddress, a.Spender, decimal.Zero)
			cancel()
			if err != nil {
				m.log.Warn("Revocation failed, will retry next sweep",
					"chain", a.Chain, "token", a.TokenAddress, "spender", a.Spender, "error", err)
				continue
			}
			m.log.Info("Expired approval revoked",
				"chain", a.Chain, "token", a.TokenAddress, "spender", a.Spender, "tx", txHash)
		}

		if err := m.store.DeleteApproval(a.ID); err != nil && !errors.Is(err, storage.ErrApprovalNotFound) {
			return err
		}
	}
	return nil
}
