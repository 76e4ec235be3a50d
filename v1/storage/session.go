package storage

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
	"github.com/mirkobrombin/go-fazbot/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fazbot/v1/storage")

// Session outcomes reported on metrics.SessionCounter.
const (
	OutcomeCommit     = "commit"
	OutcomeRollback   = "rollback"
	OutcomeBeginError = "begin_error"
	OutcomeCommitErr  = "commit_error"
)

// Session is a unit of work bound to one database transaction.
type Session struct {
	tx    *gorm.DB
	hooks []func(context.Context)
}

// DB returns the transaction handle. It must not be used after the scope
// that produced the session has returned.
func (s *Session) DB() *gorm.DB {
	return s.tx
}

// AfterCommit registers fn to run once the owning scope has committed. Hooks
// are dropped when the session rolls back.
func (s *Session) AfterCommit(fn func(ctx context.Context)) {
	s.hooks = append(s.hooks, fn)
}

// WithSession runs fn inside a session. When existing is non-nil fn borrows
// it and the session is neither committed nor rolled back here. Otherwise a
// new transaction is opened on db; it commits when fn returns nil and rolls
// back when fn fails or panics. Begin and commit failures wrap ErrSession.
func WithSession(ctx context.Context, db *gorm.DB, existing *Session, fn func(*Session) error) (err error) {
	if existing != nil {
		return fn(existing)
	}

	ctx, span := tracer.Start(ctx, "storage.Session")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		metrics.SessionCounter.WithLabelValues(OutcomeBeginError).Inc()
		return fmt.Errorf("%w: begin: %w", ferrors.ErrSession, tx.Error)
	}
	s := &Session{tx: tx}

	finished := false
	defer func() {
		if finished {
			return
		}
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			metrics.SessionCounter.WithLabelValues(OutcomeRollback).Inc()
			panic(r)
		}
	}()

	if ferr := fn(s); ferr != nil {
		finished = true
		metrics.SessionCounter.WithLabelValues(OutcomeRollback).Inc()
		if rerr := tx.Rollback().Error; rerr != nil {
			return errors.Join(ferr, fmt.Errorf("%w: rollback: %w", ferrors.ErrSession, rerr))
		}
		return ferr
	}

	finished = true
	if cerr := tx.Commit().Error; cerr != nil {
		metrics.SessionCounter.WithLabelValues(OutcomeCommitErr).Inc()
		return fmt.Errorf("%w: commit: %w", ferrors.ErrSession, cerr)
	}
	metrics.SessionCounter.WithLabelValues(OutcomeCommit).Inc()
	for _, hook := range s.hooks {
		hook(ctx)
	}
	return nil
}
