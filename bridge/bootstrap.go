// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/retry"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/store"
)

// RoomSession is the part of the Matrix session bootstrap uses.
type RoomSession interface {
	ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error)
	CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (*messaging.CreateRoomResponse, error)
	InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error
	SendEventTxn(ctx context.Context, roomID ref.RoomID, eventType, transactionID string, content any) (ref.EventID, error)
}

// BootstrapState persists the outcome between runs. *store.Store
// implements it.
type BootstrapState interface {
	SaveBootstrap(ctx context.Context, state store.BootstrapState) error
	LoadBootstrap(ctx context.Context) (store.BootstrapState, bool, error)
}

// BootstrapConfig describes the command room and how hard to try.
type BootstrapConfig struct {
	Session RoomSession
	State   BootstrapState

	Name  string
	Topic string
	// Alias is resolved before creating, and registered on creation.
	Alias ref.RoomAlias
	// Invite is sent with the creation request and again individually
	// when the recorded room is reused.
	Invite []ref.UserID
	// OperatorRoom receives one notice per deferral. Zero logs only.
	OperatorRoom ref.RoomID

	// Policy retries creation on M_LIMIT_EXCEEDED and transient
	// failures.
	Policy retry.Policy

	Clock  clock.Clock
	Logger *slog.Logger
}

// BootstrapResult reports what bootstrap ended with. RoomID is zero
// when Deferred.
type BootstrapResult struct {
	RoomID   ref.RoomID
	Created  bool
	Deferred bool
	Attempts int
}

// Bootstrap makes sure the unencrypted command room exists. A room
// recorded by an earlier run, or one the alias already names, is
// reused. Creation is retried per the policy; when the retries run out
// the deferral is recorded and the operator is told once, and the next
// start tries again. Errors are returned only for state storage
// failures and cancellation: a deferred room does not stop the bridge.
func Bootstrap(ctx context.Context, config BootstrapConfig) (BootstrapResult, error) {
	if config.Session == nil || config.State == nil {
		return BootstrapResult{}, fmt.Errorf("bootstrap: Session and State are required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	previous, found, err := config.State.LoadBootstrap(ctx)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("bootstrap: loading state: %w", err)
	}
	if found && previous.Status == store.BootstrapDone && !previous.RoomID.IsZero() {
		logger.Info("reusing command room", "room_id", previous.RoomID)
		return BootstrapResult{RoomID: previous.RoomID}, nil
	}

	if !config.Alias.IsZero() {
		roomID, err := config.Session.ResolveAlias(ctx, config.Alias)
		switch {
		case err == nil:
			logger.Info("command room alias already exists", "alias", config.Alias, "room_id", roomID)
			inviteAll(ctx, config, roomID, clk, logger)
			return BootstrapResult{RoomID: roomID}, saveDone(ctx, config, roomID, 0, clk)
		case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
		default:
			// Creation decides whether the homeserver is usable.
			logger.Warn("resolving command room alias failed", "alias", config.Alias, "error", err)
		}
	}

	request := messaging.CreateRoomRequest{
		Name:       config.Name,
		Topic:      config.Topic,
		Alias:      config.Alias.Localpart(),
		Visibility: "private",
		Preset:     "private_chat",
		Invite:     config.Invite,
	}

	attempts := 0
	var roomID ref.RoomID
	err = config.Policy.Do(ctx, clk, classifyMatrix, func(ctx context.Context) error {
		attempts++
		response, err := config.Session.CreateRoom(ctx, request)
		if err != nil {
			return err
		}
		roomID = response.RoomID
		return nil
	}, retry.OnRetry(func(attempt retry.Attempt) {
		logger.Warn("creating command room failed, retrying",
			"attempt", attempt.Number,
			"delay", attempt.Delay,
			"error", attempt.Err,
		)
	}))

	if err == nil {
		logger.Info("created command room", "room_id", roomID, "attempts", attempts)
		return BootstrapResult{RoomID: roomID, Created: true, Attempts: attempts}, saveDone(ctx, config, roomID, attempts, clk)
	}
	if ctx.Err() != nil {
		return BootstrapResult{Attempts: attempts}, ctx.Err()
	}

	if !config.Alias.IsZero() && messaging.IsMatrixError(err, messaging.ErrCodeRoomInUse) {
		// Lost a race with another creator on the same alias.
		if existing, resolveErr := config.Session.ResolveAlias(ctx, config.Alias); resolveErr == nil {
			logger.Info("command room alias taken, reusing", "alias", config.Alias, "room_id", existing)
			return BootstrapResult{RoomID: existing, Attempts: attempts}, saveDone(ctx, config, existing, attempts, clk)
		}
	}

	return recordDeferral(ctx, config, previous, found, attempts, err, clk, logger)
}

// recordDeferral records a deferral and sends the operator notice unless the
// current deferral already produced one.
func recordDeferral(ctx context.Context, config BootstrapConfig, previous store.BootstrapState, found bool, attempts int, cause error, clk clock.Clock, logger *slog.Logger) (BootstrapResult, error) {
	alreadyNotified := found && previous.Status == store.BootstrapDeferred && previous.OperatorNotified
	state := store.BootstrapState{
		Status:           store.BootstrapDeferred,
		Attempts:         attempts,
		LastError:        cause.Error(),
		OperatorNotified: alreadyNotified,
		Updated:          clk.Now(),
	}
	logger.Error("command room bootstrap deferred until next start",
		"attempts", attempts,
		"error", cause,
	)

	if !alreadyNotified {
		if config.OperatorRoom.IsZero() {
			state.OperatorNotified = true
		} else {
			text := fmt.Sprintf("Command room setup gave up after %d attempts: %v\nIt will be retried on the next start.", attempts, cause)
			transactionID := messaging.TransactionID(config.OperatorRoom.String(), "bootstrap-deferred", strconv.FormatInt(state.Updated.UnixMilli(), 10))
			if _, err := config.Session.SendEventTxn(ctx, config.OperatorRoom, "m.room.message", transactionID, messaging.NewNotice(text)); err != nil {
				logger.Error("sending operator notice failed", "room_id", config.OperatorRoom, "error", err)
			} else {
				state.OperatorNotified = true
			}
		}
	}

	if err := config.State.SaveBootstrap(ctx, state); err != nil {
		return BootstrapResult{Deferred: true, Attempts: attempts}, fmt.Errorf("bootstrap: saving state: %w", err)
	}
	return BootstrapResult{Deferred: true, Attempts: attempts}, nil
}

func saveDone(ctx context.Context, config BootstrapConfig, roomID ref.RoomID, attempts int, clk clock.Clock) error {
	err := config.State.SaveBootstrap(ctx, store.BootstrapState{
		Status:   store.BootstrapDone,
		RoomID:   roomID,
		Attempts: attempts,
		Updated:  clk.Now(),
	})
	if err != nil {
		return fmt.Errorf("bootstrap: saving state: %w", err)
	}
	return nil
}

// inviteAll invites the configured users into a room the bridge did
// not create in this run. Failures are logged; users already joined
// make the homeserver answer M_FORBIDDEN, which is expected.
func inviteAll(ctx context.Context, config BootstrapConfig, roomID ref.RoomID, clk clock.Clock, logger *slog.Logger) {
	for _, user := range config.Invite {
		err := config.Policy.Do(ctx, clk, classifyMatrix, func(ctx context.Context) error {
			return config.Session.InviteUser(ctx, roomID, user)
		})
		if err != nil && !messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
			logger.Warn("inviting to command room failed", "room_id", roomID, "user_id", user, "error", err)
		}
	}
}

// classifyMatrix retries rate limits no sooner than the server asks,
// and other transient failures on the normal schedule.
func classifyMatrix(err error) retry.Verdict {
	if hint, ok := messaging.RateLimit(err); ok {
		return retry.RetryAfter(hint)
	}
	if errors.Is(err, context.DeadlineExceeded) || messaging.IsTransient(err) {
		return retry.Again
	}
	return retry.Stop
}

// bootstrapTimeout bounds one bootstrap run including its waits.
const bootstrapTimeout = 10 * time.Minute
