package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// PaymentChecker answers whether a funding transfer landed on-chain
type PaymentChecker interface {
	VerifyTransfer(ctx context.Context, txHash, from, to string, minAmount int64) (bool, error)
}

// Verifier polls funded escrows and confirms them against the chain,
// and ages out escrows that never complete funding. Verification is
// deliberately off the request path: Fund never touches the RPC.
type Verifier struct {
	svc         *Service
	checker     PaymentChecker
	depositAddr string
	interval    time.Duration
	maxAge      time.Duration
	batchSize   int
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewVerifier creates the escrow verification loop
func NewVerifier(svc *Service, checker PaymentChecker, depositAddr string, logger *slog.Logger) *Verifier {
	return &Verifier{
		svc:         svc,
		checker:     checker,
		depositAddr: depositAddr,
		interval:    30 * time.Second,
		maxAge:      24 * time.Hour,
		batchSize:   50,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the verifier loop is actively running.
func (v *Verifier) Running() bool {
	return v.running.Load()
}

// Start begins the verification loop. Call in a goroutine.
func (v *Verifier) Start(ctx context.Context) {
	v.running.Store(true)
	defer v.running.Store(false)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stop:
			return
		case <-ticker.C:
			v.safeRun(ctx)
		}
	}
}

// Stop signals the verifier to stop.
func (v *Verifier) Stop() {
	select {
	case v.stop <- struct{}{}:
	default:
	}
}

func (v *Verifier) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("panic in escrow verifier", "panic", fmt.Sprint(r))
		}
	}()
	v.runOnce(ctx)
}

func (v *Verifier) runOnce(ctx context.Context) {
	funded, err := v.svc.store.ListByStatus(ctx, StatusFunded, v.batchSize)
	if err != nil {
		v.logger.Warn("failed to list funded escrows", "error", err)
	}
	for _, e := range funded {
		v.verifyOne(ctx, e)
	}

	stale, err := v.svc.store.ListStale(ctx, time.Now().Add(-v.maxAge), v.batchSize)
	if err != nil {
		v.logger.Warn("failed to list stale escrows", "error", err)
	}
	for _, e := range stale {
		switch _, err := v.svc.MarkExpired(ctx, e.ID); {
		case err == nil:
			v.logger.Info("escrow expired", "escrow", e.ID, "age", time.Since(e.CreatedAt))
		case errors.Is(err, ErrNotFound):
			// Lost the race: the escrow moved on (e.g. verified) this tick.
		default:
			v.logger.Warn("failed to expire escrow", "escrow", e.ID, "error", err)
		}
	}
}

func (v *Verifier) verifyOne(ctx context.Context, e *Escrow) {
	if v.checker == nil || e.FundingTxHash == "" {
		return
	}

	ok, err := v.checker.VerifyTransfer(ctx, e.FundingTxHash, e.BuyerAddress, v.depositAddr, e.AmountUSDC)
	if err != nil {
		// RPC trouble or receipt not yet available; retried next tick
		v.logger.Debug("escrow verification deferred",
			"escrow", e.ID, "tx", e.FundingTxHash, "error", err)
		return
	}
	if !ok {
		v.logger.Warn("funding tx did not match escrow",
			"escrow", e.ID, "tx", e.FundingTxHash)
		return
	}

	if _, err := v.svc.MarkVerified(ctx, e.ID); err != nil && err != ErrNotFound {
		v.logger.Warn("failed to mark escrow verified", "escrow", e.ID, "error", err)
		return
	}
	v.logger.Info("escrow verified", "escrow", e.ID, "tx", e.FundingTxHash)
}
