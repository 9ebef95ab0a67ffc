// Package claim submits exactly one booking per admitted entry and records the
// outcome in the dedup store.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookbot/internal/api"
	"bookbot/internal/listing"
	"bookbot/internal/storage"
	logx "bookbot/pkg/logx"
)

// DetailSessionRejected is stored when the backend refuses the token.
const DetailSessionRejected = "session rejected"

// Claimer submits a booking.
type Claimer interface {
	Claim(ctx context.Context, id listing.ID, token string) (api.ClaimResult, error)
}

// Result describes a finished claim. Summary is set for every outcome.
type Result struct {
	Outcome listing.Outcome
	Summary listing.Summary
	Detail  string
	Took    time.Duration
}

type Executor struct {
	store   storage.Store
	claimer Claimer
	log     logx.Logger
}

func NewExecutor(store storage.Store, claimer Claimer, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{store: store, claimer: claimer, log: log}
}

// Execute claims e, which must be in state Accepted.
//
// A remote-reported failure or a transport failure records ClaimFailed and
// returns a nil error. A rejected session records ClaimFailed and returns an
// error wrapping api.ErrUnauthorized. Store failures are returned as-is.
func (x *Executor) Execute(ctx context.Context, e listing.Tracked, token string) (Result, error) {
	res := Result{Summary: e.Summary()}
	log := x.log.With(logx.String("id", string(e.ID)), logx.String("title", e.Title))

	if err := x.store.MarkAttempted(ctx, e.ID); err != nil {
		return res, fmt.Errorf("mark attempted %s: %w", e.ID, err)
	}

	start := time.Now()
	out, err := x.claimer.Claim(ctx, e.ID, token)
	res.Took = time.Since(start)

	// The request may have reached the backend; the outcome must be recorded
	// even when ctx is already canceled.
	wctx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, api.ErrUnauthorized):
		res.Outcome, res.Detail = listing.Failed, DetailSessionRejected
		if merr := x.store.MarkClaimed(wctx, e.ID, listing.Failed, DetailSessionRejected); merr != nil {
			return res, errors.Join(err, merr)
		}
		log.Error("claim rejected: session invalid", logx.Any("err", err))
		return res, fmt.Errorf("claim %s: %w", e.ID, err)

	case err != nil:
		res.Outcome, res.Detail = listing.Failed, err.Error()
		if merr := x.store.MarkClaimed(wctx, e.ID, listing.Failed, res.Detail); merr != nil {
			return res, fmt.Errorf("mark failed %s: %w", e.ID, merr)
		}
		log.Warn("claim request failed", logx.Any("err", err), logx.Duration("took", res.Took))
		return res, nil

	case !out.OK:
		res.Outcome, res.Detail = listing.Failed, out.Error
		if merr := x.store.MarkClaimed(wctx, e.ID, listing.Failed, out.Error); merr != nil {
			return res, fmt.Errorf("mark failed %s: %w", e.ID, merr)
		}
		log.Warn("claim refused", logx.String("error", out.Error), logx.Int("status", out.Status))
		return res, nil
	}

	if merr := x.store.MarkClaimed(wctx, e.ID, listing.Succeeded, ""); merr != nil {
		return res, fmt.Errorf("mark succeeded %s: %w", e.ID, merr)
	}
	res.Outcome = listing.Succeeded
	log.Info("claimed", logx.String("start", res.Summary.StartText), logx.Duration("took", res.Took))
	return res, nil
}
