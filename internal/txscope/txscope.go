// Package txscope implements the Transaction Scope (C6): composing several
// forward operations under one engine transaction, recording each one's
// inverse as it commits, and replaying those inverses in reverse order if a
// later operation fails (spec.md §4.6).
//
// Every operation in a scope shares the same engine transaction, so a
// failure anywhere in the chain is recoverable by a single ROLLBACK; the
// inverse-replay step still runs first so compensating side effects an
// Operation registers (e.g. releasing an in-memory reservation in its
// AfterRollback hook) see the same ordered teardown a cross-connection Saga
// would get. This is the reading of §4.6 that keeps scenario 5's "no
// successful-commit audit rows survive a failed scope" true: nothing here
// is durable until Commit succeeds once, for the whole scope.
package txscope

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/vstore/internal/audit"
	"github.com/untoldecay/vstore/internal/store"
)

// ExecMode classifies an Operation the way spec.md §4.6 does, mainly so
// read operations can be recognised as having no inverse.
type ExecMode int

const (
	Read ExecMode = iota
	Write
	Scalar
)

// Operation is one step of a Scope: a commit command plus, for write
// operations, its inverse and four lifecycle hooks.
type Operation struct {
	ID          string
	Description string
	Mode        ExecMode

	// Commit executes the forward action under the scope's transaction and
	// returns whatever Inverse (and the caller) need as output.
	Commit func(ctx context.Context, tx *sql.Tx) (any, error)

	// Inverse undoes Commit's effect using its captured output. Nil for
	// Read operations.
	Inverse func(ctx context.Context, tx *sql.Tx, output any) error

	BeforeCommit   func()
	AfterCommit    func(output any)
	BeforeRollback func()
	AfterRollback  func(err error)

	// Audit, if set, builds the audit.UpdateEntry for this operation's
	// output. It is only ever called once the whole scope's transaction has
	// committed (see Scope.Commit), never on a rolled-back scope, so a
	// failed scope never leaves an audit trail for operations it executed
	// but never durably committed.
	Audit func(output any) audit.UpdateEntry
}

// State is the scope's lifecycle state; transitions are monotonic (spec.md
// §4.6).
type State int

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCommitting:
		return "Committing"
	case StateCommitted:
		return "Committed"
	case StateRollingBack:
		return "RollingBack"
	case StateRolledBack:
		return "RolledBack"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

type undoEntry struct {
	op     Operation
	output any
}

// Scope is a single chain of operations sharing one engine transaction.
type Scope struct {
	ID        string
	StartedAt time.Time

	db    *sql.DB
	tx    *sql.Tx
	state State
	undo  []undoEntry
	audit *audit.Sink
}

// Begin opens a connection and starts the scope's transaction, setting
// state Active. auditSink may be nil, in which case no operation in this
// scope ever produces an audit row regardless of outcome.
func Begin(ctx context.Context, db *sql.DB, auditSink *audit.Sink) (*Scope, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("txscope: begin: %w", err)
	}
	return &Scope{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		db:        db,
		tx:        tx,
		state:     StateActive,
		audit:     auditSink,
	}, nil
}

// State returns the scope's current lifecycle state.
func (s *Scope) State() State { return s.state }

// Execute runs op's Commit under the scope's transaction, firing its
// lifecycle hooks, and pushes its output onto the undo stack for write
// operations. On failure the scope immediately transitions through
// RollingBack to Failed and replays every prior operation's inverse before
// returning the aggregated error.
func (s *Scope) Execute(ctx context.Context, op Operation) (any, error) {
	if s.state != StateActive {
		return nil, fmt.Errorf("txscope: scope %s is not active (state=%s)", s.ID, s.state)
	}
	if op.BeforeCommit != nil {
		op.BeforeCommit()
	}
	output, err := op.Commit(ctx, s.tx)
	if err != nil {
		return nil, s.failAndRollback(ctx, err)
	}
	if op.AfterCommit != nil {
		op.AfterCommit(output)
	}
	if op.Mode != Read {
		s.undo = append(s.undo, undoEntry{op: op, output: output})
	}
	return output, nil
}

// failAndRollback replays every recorded inverse in reverse order, then
// aborts the transaction, per spec.md §4.6 step 4. cause may be nil when
// called from Dispose on a scope that was simply never committed.
func (s *Scope) failAndRollback(ctx context.Context, cause error) error {
	s.state = StateRollingBack
	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}

	for i := len(s.undo) - 1; i >= 0; i-- {
		entry := s.undo[i]
		if entry.op.BeforeRollback != nil {
			entry.op.BeforeRollback()
		}
		var rerr error
		if entry.op.Inverse != nil {
			rerr = entry.op.Inverse(ctx, s.tx, entry.output)
			if rerr != nil {
				errs = append(errs, rerr)
			}
		}
		if entry.op.AfterRollback != nil {
			entry.op.AfterRollback(rerr)
		}
	}

	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		errs = append(errs, fmt.Errorf("txscope: abort transaction: %w", err))
	}
	s.state = StateFailed

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &store.AggregateError{Errors: errs}
	}
}

// Commit finalises every executed operation atomically.
func (s *Scope) Commit(ctx context.Context) error {
	if s.state != StateActive {
		return fmt.Errorf("txscope: scope %s is not active (state=%s)", s.ID, s.state)
	}
	s.state = StateCommitting
	if err := s.tx.Commit(); err != nil {
		s.state = StateFailed
		return fmt.Errorf("txscope: commit: %w", err)
	}
	s.state = StateCommitted

	if s.audit != nil {
		for _, entry := range s.undo {
			if entry.op.Audit == nil {
				continue
			}
			s.audit.RecordUpdate(ctx, entry.op.Audit(entry.output))
		}
	}
	return nil
}

// Dispose settles a scope still Active (Commit was never explicitly
// requested) by rolling it back, per spec.md §4.6's "guaranteed settle on
// every exit path". Calling Dispose after Commit or after a failure is a
// no-op. Intended for a deferred call right after Begin.
func (s *Scope) Dispose(ctx context.Context) error {
	if s.state != StateActive {
		return nil
	}
	err := s.failAndRollback(ctx, nil)
	s.state = StateRolledBack
	return err
}
