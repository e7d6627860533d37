package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lock statuses.
const (
	LockLive     = "locked"
	LockReleased = "released"
	LockSlashed  = "slashed"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLockNotFound        = errors.New("lock not found")
	ErrLockNotLive         = errors.New("lock is not live")
	ErrDuplicateLock       = errors.New("lock already exists")
)

// Ledger keeps per-agent integer balances (minor units) and named locks over
// them. Locking never moves money; it reserves it. Available balance is
// balance minus the remaining amounts of live locks owned by the agent, so a
// lock can be partially slashed to a counterparty and the rest released later
// while the ledger still balances to the credit.
//
// All mutations run inside the caller's transaction.
type Ledger struct {
	Now func() time.Time
}

func (l Ledger) now() string {
	if l.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return l.Now().UTC().Format(time.RFC3339)
}

type Lock struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Amount    int64  `json:"amount"`
	Remaining int64  `json:"remaining"`
	Status    string `json:"status" enum:"locked,released,slashed"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Balance returns the gross balance, zero for an unknown agent.
func (l Ledger) Balance(ctx context.Context, tx *sql.Tx, agentID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM ledger_accounts WHERE agent_id=?`, agentID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// Available returns balance minus the remaining of live locks owned by the agent.
func (l Ledger) Available(ctx context.Context, tx *sql.Tx, agentID string) (int64, error) {
	balance, err := l.Balance(ctx, tx, agentID)
	if err != nil {
		return 0, err
	}
	var locked int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(remaining),0) FROM escrow_locks WHERE owner_id=? AND status=?`, agentID, LockLive).Scan(&locked)
	if err != nil {
		return 0, err
	}
	return balance - locked, nil
}

// Mint credits newly issued funds to an agent. Seed and settlement flows only.
func (l Ledger) Mint(ctx context.Context, tx *sql.Tx, agentID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("mint amount must be positive, got %d", amount)
	}
	return l.credit(ctx, tx, agentID, amount)
}

// Transfer moves amount between balances, bounded by the sender's available funds.
func (l Ledger) Transfer(ctx context.Context, tx *sql.Tx, from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	available, err := l.Available(ctx, tx, from)
	if err != nil {
		return err
	}
	if available < amount {
		return fmt.Errorf("%w: agent %s has %d available, needs %d", ErrInsufficientBalance, from, available, amount)
	}
	if err := l.debit(ctx, tx, from, amount); err != nil {
		return err
	}
	return l.credit(ctx, tx, to, amount)
}

// LockFunds reserves amount of the owner's available balance under lockID.
func (l Ledger) LockFunds(ctx context.Context, tx *sql.Tx, lockID, ownerID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("lock amount must be positive, got %d", amount)
	}
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT id FROM escrow_locks WHERE id=?`, lockID).Scan(&existing)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateLock, lockID)
	}
	if err != sql.ErrNoRows {
		return err
	}
	available, err := l.Available(ctx, tx, ownerID)
	if err != nil {
		return err
	}
	if available < amount {
		return fmt.Errorf("%w: agent %s has %d available, needs %d", ErrInsufficientBalance, ownerID, available, amount)
	}
	now := l.now()
	_, err = tx.ExecContext(ctx, `INSERT INTO escrow_locks(id,owner_id,amount,remaining,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		lockID, ownerID, amount, amount, LockLive, now, now)
	return err
}

// ReleaseLock pays the remaining reserved amount to the given recipient and
// closes the lock. Releasing back to the owner just lifts the reservation.
func (l Ledger) ReleaseLock(ctx context.Context, tx *sql.Tx, lockID, to string) (int64, error) {
	lock, err := l.getLiveLock(ctx, tx, lockID)
	if err != nil {
		return 0, err
	}
	if to != lock.OwnerID && lock.Remaining > 0 {
		if err := l.debit(ctx, tx, lock.OwnerID, lock.Remaining); err != nil {
			return 0, err
		}
		if err := l.credit(ctx, tx, to, lock.Remaining); err != nil {
			return 0, err
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE escrow_locks SET remaining=0,status=?,updated_at=? WHERE id=?`, LockReleased, l.now(), lockID)
	if err != nil {
		return 0, err
	}
	return lock.Remaining, nil
}

// SlashLock moves amount of the lock's remaining funds to the recipient.
// The rest stays reserved until released; slashing the full remainder
// closes the lock.
func (l Ledger) SlashLock(ctx context.Context, tx *sql.Tx, lockID, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("slash amount must be positive, got %d", amount)
	}
	lock, err := l.getLiveLock(ctx, tx, lockID)
	if err != nil {
		return err
	}
	if amount > lock.Remaining {
		return fmt.Errorf("slash amount %d exceeds remaining %d on lock %s", amount, lock.Remaining, lockID)
	}
	if err := l.debit(ctx, tx, lock.OwnerID, amount); err != nil {
		return err
	}
	if err := l.credit(ctx, tx, to, amount); err != nil {
		return err
	}
	remaining := lock.Remaining - amount
	status := LockLive
	if remaining == 0 {
		status = LockSlashed
	}
	_, err = tx.ExecContext(ctx, `UPDATE escrow_locks SET remaining=?,status=?,updated_at=? WHERE id=?`, remaining, status, l.now(), lockID)
	return err
}

// GetLock returns a lock regardless of status.
func (l Ledger) GetLock(ctx context.Context, tx *sql.Tx, lockID string) (Lock, error) {
	var lk Lock
	err := tx.QueryRowContext(ctx, `SELECT id,owner_id,amount,remaining,status,created_at,updated_at FROM escrow_locks WHERE id=?`, lockID).
		Scan(&lk.ID, &lk.OwnerID, &lk.Amount, &lk.Remaining, &lk.Status, &lk.CreatedAt, &lk.UpdatedAt)
	if err == sql.ErrNoRows {
		return lk, fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	return lk, err
}

func (l Ledger) getLiveLock(ctx context.Context, tx *sql.Tx, lockID string) (Lock, error) {
	lk, err := l.GetLock(ctx, tx, lockID)
	if err != nil {
		return lk, err
	}
	if lk.Status != LockLive {
		return lk, fmt.Errorf("%w: lock %s is %s", ErrLockNotLive, lockID, lk.Status)
	}
	return lk, nil
}

func (l Ledger) credit(ctx context.Context, tx *sql.Tx, agentID string, amount int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_accounts(agent_id,balance,updated_at) VALUES (?,?,?)
		ON CONFLICT(agent_id) DO UPDATE SET balance=balance+excluded.balance, updated_at=excluded.updated_at`,
		agentID, amount, l.now())
	return err
}

func (l Ledger) debit(ctx context.Context, tx *sql.Tx, agentID string, amount int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE ledger_accounts SET balance=balance-?, updated_at=? WHERE agent_id=? AND balance>=?`,
		amount, l.now(), agentID, amount)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: agent %s cannot cover %d", ErrInsufficientBalance, agentID, amount)
	}
	return nil
}
