// Package mutation applies claim changes optimistically. Every mutation
// patches the ledger and catalog first, then calls the authoritative
// service; a failure restores the captured state and resyncs the task.
package mutation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/backend"
	"github.com/ldi/claimdeck/internal/catalog"
	"github.com/ldi/claimdeck/internal/clock"
	"github.com/ldi/claimdeck/internal/identity"
	"github.com/ldi/claimdeck/internal/ledger"
	"github.com/ldi/claimdeck/pkg/models"
)

type Engine struct {
	service  backend.MutationService
	query    backend.QueryService
	catalog  *catalog.Store
	ledger   *ledger.Ledger
	identity identity.Provider
	clock    clock.Clock
	logger   zerolog.Logger
	locks    *keyedMutex
}

func New(
	service backend.MutationService,
	query backend.QueryService,
	cat *catalog.Store,
	led *ledger.Ledger,
	id identity.Provider,
	clk clock.Clock,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		service:  service,
		query:    query,
		catalog:  cat,
		ledger:   led,
		identity: id,
		clock:    clk,
		logger:   logger.With().Str("component", "mutation").Logger(),
		locks:    newKeyedMutex(),
	}
}

// optimistic describes one mutation. prepare runs the guards and captures
// the prior state without side effects; restore undoes apply.
type optimistic[S any] struct {
	name    string
	prepare func(ctx context.Context) (S, error)
	apply   func(S)
	commit  func(ctx context.Context, state S) error
	restore func(S)
}

func runOptimistic[S any](ctx context.Context, e *Engine, taskID string, op optimistic[S]) error {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	state, err := op.prepare(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Str("task_id", taskID).Str("op", op.name).Msg("mutation rejected locally")
		return err
	}

	op.apply(state)
	if err := op.commit(ctx, state); err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Str("op", op.name).Msg("mutation failed, rolling back")
		op.restore(state)
		e.resync(context.WithoutCancel(ctx), taskID)
		return err
	}

	e.logger.Debug().Str("task_id", taskID).Str("op", op.name).Msg("mutation committed")
	return nil
}

// resync reloads the ledger and the task's claim flag from the
// authoritative services. Failures are logged; the rolled back local state
// stands until the next refresh.
func (e *Engine) resync(ctx context.Context, taskID string) {
	if err := e.ledger.Sync(ctx); err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to resync ledger")
	}

	task, err := e.query.FetchTask(ctx, taskID)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to resync task")
		return
	}
	e.catalog.SetClaimed(taskID, task.IsClaimed)
}

// user resolves the acting user and binds the ledger to it.
func (e *Engine) user(ctx context.Context) (string, error) {
	userID, err := e.identity.UserID()
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", models.NewError(models.ErrNotAuthenticated, "", "no user signed in")
	}
	if err := e.ledger.Bind(ctx, userID); err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to load ledger cache")
	}
	return userID, nil
}

type flagState struct {
	claimed bool
	known   bool
}

func (e *Engine) captureFlag(taskID string) flagState {
	claimed, known := e.catalog.Claimed(taskID)
	return flagState{claimed: claimed, known: known}
}

func (e *Engine) restoreFlag(taskID string, f flagState) {
	if f.known {
		e.catalog.SetClaimed(taskID, f.claimed)
	}
}

type claimState struct {
	userID string
	flag   flagState
}

// Claim takes an unclaimed task for the current user.
func (e *Engine) Claim(ctx context.Context, taskID string) (models.Claim, error) {
	userID, err := e.user(ctx)
	if err != nil {
		return models.Claim{}, err
	}

	var result models.Claim
	err = runOptimistic(ctx, e, taskID, optimistic[claimState]{
		name: "claim",
		prepare: func(ctx context.Context) (claimState, error) {
			if e.ledger.Holds(ctx, taskID) {
				return claimState{}, models.NewError(models.ErrAlreadyClaimed, taskID, "task already claimed by you")
			}
			if err := e.ledger.CheckCapacity(ctx, taskID); err != nil {
				return claimState{}, err
			}
			return claimState{userID: userID, flag: e.captureFlag(taskID)}, nil
		},
		apply: func(s claimState) {
			e.ledger.Put(models.Claim{
				TaskID:    taskID,
				UserID:    s.userID,
				Status:    models.ClaimStatusClaimed,
				ClaimedAt: e.clock.Now().UTC(),
			})
			e.catalog.SetClaimed(taskID, true)
		},
		commit: func(ctx context.Context, s claimState) error {
			c, err := e.service.InsertClaim(ctx, s.userID, taskID)
			if err != nil {
				return err
			}
			result = c.Clone()
			e.reconcile(ctx, s.userID, result)
			return nil
		},
		restore: func(s claimState) {
			e.ledger.Remove(taskID)
			e.restoreFlag(taskID, s.flag)
		},
	})
	return result, err
}

// Release gives up a claimed or in-progress task.
func (e *Engine) Release(ctx context.Context, taskID string) error {
	_, err := e.Transition(ctx, taskID, models.ActionRelease)
	return err
}

type transitionState struct {
	userID string
	tr     models.Transition
	prior  models.Claim
	flag   flagState
}

// Transition moves the current user's claim on taskID along action. A
// release returns the zero claim.
func (e *Engine) Transition(ctx context.Context, taskID string, action models.Action) (models.Claim, error) {
	userID, err := e.user(ctx)
	if err != nil {
		return models.Claim{}, err
	}

	var result models.Claim
	err = runOptimistic(ctx, e, taskID, optimistic[transitionState]{
		name: string(action),
		prepare: func(ctx context.Context) (transitionState, error) {
			tr, err := e.ledger.Plan(ctx, taskID, action)
			if err != nil {
				return transitionState{}, err
			}
			prior, _ := e.ledger.Get(taskID)
			return transitionState{userID: userID, tr: tr, prior: prior, flag: e.captureFlag(taskID)}, nil
		},
		apply: func(s transitionState) {
			if s.tr.Release() {
				e.ledger.Remove(taskID)
				e.catalog.SetClaimed(taskID, false)
				return
			}
			next := s.prior.Clone()
			next.Apply(s.tr, e.clock.Now().UTC())
			e.ledger.Put(next)
		},
		commit: func(ctx context.Context, s transitionState) error {
			if s.tr.Release() {
				if err := e.service.DeleteClaim(ctx, s.userID, taskID); err != nil {
					return err
				}
				e.ledger.Save(ctx)
				return nil
			}
			c, err := e.service.UpdateClaimStatus(ctx, s.userID, taskID, s.tr.To, s.tr.Field)
			if err != nil {
				return err
			}
			result = c.Clone()
			e.reconcile(ctx, s.userID, result)
			return nil
		},
		restore: func(s transitionState) {
			e.ledger.Put(s.prior)
			if s.tr.Release() {
				e.restoreFlag(taskID, s.flag)
			}
		},
	})
	return result, err
}

// Start, Submit, Accept and Reopen are Transition shorthands.
func (e *Engine) Start(ctx context.Context, taskID string) (models.Claim, error) {
	return e.Transition(ctx, taskID, models.ActionStart)
}

func (e *Engine) Submit(ctx context.Context, taskID string) (models.Claim, error) {
	return e.Transition(ctx, taskID, models.ActionSubmit)
}

func (e *Engine) Accept(ctx context.Context, taskID string) (models.Claim, error) {
	return e.Transition(ctx, taskID, models.ActionAccept)
}

func (e *Engine) Reopen(ctx context.Context, taskID string) (models.Claim, error) {
	return e.Transition(ctx, taskID, models.ActionReopen)
}

// reconcile replaces the optimistic ledger entry with the server's claim,
// unless the session has switched users in the meantime.
func (e *Engine) reconcile(ctx context.Context, userID string, c models.Claim) {
	if e.ledger.UserID() != userID {
		return
	}
	if c.Task == nil {
		if prior, ok := e.ledger.Get(c.TaskID); ok {
			c.Task = prior.Task
		}
	}
	if c.Task == nil {
		if t, ok := e.catalog.Task(c.TaskID); ok {
			c.Task = &t
		}
	}
	e.ledger.Put(c)
	e.ledger.Save(ctx)
}
