package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"missionline/internal/db"
	"missionline/internal/ledger"
	"missionline/internal/migrate"
)

func newLedger(t *testing.T) (ledger.Ledger, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ledger.Ledger{Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return l, conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func available(t *testing.T, l ledger.Ledger, conn *sql.DB, agent string) int64 {
	t.Helper()
	var out int64
	err := inTx(t, conn, func(tx *sql.Tx) error {
		var err error
		out, err = l.Available(context.Background(), tx, agent)
		return err
	})
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	return out
}

func TestLockReserveAndRelease(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		if err := l.Mint(ctx, tx, "alice", 1000); err != nil {
			return err
		}
		return l.LockFunds(ctx, tx, "lock-1", "alice", 400)
	})
	if err != nil {
		t.Fatalf("mint+lock: %v", err)
	}
	if got := available(t, l, conn, "alice"); got != 600 {
		t.Fatalf("available after lock = %d, want 600", got)
	}

	// a second lock cannot eat into the reserved portion
	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.LockFunds(ctx, tx, "lock-2", "alice", 700)
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("overlapping lock err = %v, want ErrInsufficientBalance", err)
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		moved, err := l.ReleaseLock(ctx, tx, "lock-1", "bob")
		if err != nil {
			return err
		}
		if moved != 400 {
			t.Fatalf("released %d, want 400", moved)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := available(t, l, conn, "alice"); got != 600 {
		t.Fatalf("alice after release = %d, want 600", got)
	}
	if got := available(t, l, conn, "bob"); got != 400 {
		t.Fatalf("bob after release = %d, want 400", got)
	}
}

func TestPartialSlashKeepsRemainderReserved(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		if err := l.Mint(ctx, tx, "alice", 1000); err != nil {
			return err
		}
		return l.LockFunds(ctx, tx, "lock-1", "alice", 500)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.SlashLock(ctx, tx, "lock-1", "treasury", 200)
	})
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	// 1000 - 200 slashed - 300 still reserved
	if got := available(t, l, conn, "alice"); got != 500 {
		t.Fatalf("alice after partial slash = %d, want 500", got)
	}
	if got := available(t, l, conn, "treasury"); got != 200 {
		t.Fatalf("treasury = %d, want 200", got)
	}

	// releasing back to owner lifts the remaining reservation
	err = inTx(t, conn, func(tx *sql.Tx) error {
		_, err := l.ReleaseLock(ctx, tx, "lock-1", "alice")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := available(t, l, conn, "alice"); got != 800 {
		t.Fatalf("alice after release = %d, want 800", got)
	}
}

func TestSlashExhaustedLockCloses(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		if err := l.Mint(ctx, tx, "alice", 300); err != nil {
			return err
		}
		if err := l.LockFunds(ctx, tx, "lock-1", "alice", 300); err != nil {
			return err
		}
		return l.SlashLock(ctx, tx, "lock-1", "treasury", 300)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error {
		_, err := l.ReleaseLock(ctx, tx, "lock-1", "alice")
		return err
	})
	if !errors.Is(err, ledger.ErrLockNotLive) {
		t.Fatalf("release after full slash err = %v, want ErrLockNotLive", err)
	}
}

func TestTransferChecksAvailableNotBalance(t *testing.T) {
	l, conn := newLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		if err := l.Mint(ctx, tx, "alice", 100); err != nil {
			return err
		}
		return l.LockFunds(ctx, tx, "lock-1", "alice", 80)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.Transfer(ctx, tx, "alice", "bob", 50)
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("transfer err = %v, want ErrInsufficientBalance", err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.Transfer(ctx, tx, "alice", "bob", 20)
	})
	if err != nil {
		t.Fatalf("transfer within available: %v", err)
	}
	if got := available(t, l, conn, "bob"); got != 20 {
		t.Fatalf("bob = %d, want 20", got)
	}
}
