package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/engine/auth"
	"planline/internal/events"
	"planline/internal/repo"
)

// AssignRole gives target exactly one role within a department; an empty department makes
// the assignment org-wide. Requires manage:rbac.
func (e Engine) AssignRole(ctx context.Context, targetID, roleID, departmentID, actorID string) (domain.Principal, error) {
	var out domain.Principal
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := ev.Require(actor, auth.ActionManage, auth.ResourceRBAC, auth.Scope{}); err != nil {
			return err
		}
		if targetID == "" {
			return domain.MalformedEntityError{Entity: "actor", Reason: "actor id required"}
		}
		if err := e.Repo.AssignRole(ctx, tx, targetID, roleID, departmentID, e.stamp()); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.RoleAssigned, "actor", targetID, actor.ID, events.EventPayload{
			"role": roleID, "department": departmentID,
		}); err != nil {
			return err
		}
		out, err = e.Repo.GetPrincipal(ctx, tx, targetID)
		return err
	})
	return out, err
}

// SetActorActive enables or disables an actor. A disabled actor is denied everything.
func (e Engine) SetActorActive(ctx context.Context, targetID string, active bool, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := ev.Require(actor, auth.ActionManage, auth.ResourceRBAC, auth.Scope{}); err != nil {
			return err
		}
		if err := e.Repo.SetActorActive(ctx, tx, targetID, active); err != nil {
			return wrapNotFound(err, "actor", targetID)
		}
		return e.appendEvent(ctx, tx, events.RoleAssigned, "actor", targetID, actor.ID, events.EventPayload{"active": active})
	})
}

func (e Engine) ListPrincipals(ctx context.Context, actorID string) ([]domain.Principal, error) {
	actor, ev, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return nil, err
	}
	if err := ev.Require(actor, auth.ActionManage, auth.ResourceRBAC, auth.Scope{}); err != nil {
		return nil, err
	}
	return e.Repo.ListPrincipals(ctx)
}

// IssueAPIKey creates a key for target and returns the plaintext once; only its hash is stored.
// Actors may issue keys for themselves; issuing for others requires manage:rbac.
func (e Engine) IssueAPIKey(ctx context.Context, targetID, name, actorID string) (domain.APIKey, string, error) {
	var (
		key   domain.APIKey
		plain string
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if !actor.Active {
			return domain.PermissionDeniedError{ActorID: actor.ID, Reason: "actor inactive"}
		}
		if targetID == "" {
			targetID = actor.ID
		}
		if targetID != actor.ID {
			if err := ev.Require(actor, auth.ActionManage, auth.ResourceRBAC, auth.Scope{}); err != nil {
				return err
			}
		}
		if _, err := e.Repo.GetPrincipal(ctx, tx, targetID); err != nil {
			return wrapNotFound(err, "actor", targetID)
		}
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		plain = "pl_" + hex.EncodeToString(buf)
		key = domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   targetID,
			Name:      name,
			KeyHash:   repo.HashAPIKey(plain),
			CreatedAt: e.stamp(),
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.APIKeyIssued, "api_key", key.ID, actor.ID, events.EventPayload{
			"actor": targetID, "name": name,
		})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// ResolveAPIKey maps a plaintext key to its actor id.
func (e Engine) ResolveAPIKey(ctx context.Context, plain string) (string, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return "", err
	}
	return key.ActorID, nil
}

// LatestEvents reads the audit log, newest first. Requires read:events.
func (e Engine) LatestEvents(ctx context.Context, actorID string, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceEvents); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}

// IsNotFound reports whether err wraps repo.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

// ListAPIKeys returns the target's keys (hashes only). Listing another actor's keys
// requires manage:rbac.
func (e Engine) ListAPIKeys(ctx context.Context, targetID, actorID string) ([]domain.APIKey, error) {
	actor, ev, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return nil, err
	}
	if targetID == "" {
		targetID = actor.ID
	}
	if targetID != actor.ID {
		if err := ev.Require(actor, auth.ActionManage, auth.ResourceRBAC, auth.Scope{}); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListAPIKeys(ctx, targetID)
}

// RevokeAPIKey deletes a key. Actors may revoke their own keys; others need manage:rbac.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		key, err := e.Repo.GetAPIKey(ctx, tx, keyID)
		if err != nil {
			return wrapNotFound(err, "api key", keyID)
		}
		if key.ActorID != actor.ID {
			if err := ev.Require(actor, auth.ActionManage, auth.ResourceRBAC, auth.Scope{}); err != nil {
				return err
			}
		}
		if err := e.Repo.DeleteAPIKey(ctx, tx, keyID); err != nil {
			return wrapNotFound(err, "api key", keyID)
		}
		return e.appendEvent(ctx, tx, events.APIKeyRevoked, "api_key", keyID, actor.ID, events.EventPayload{"actor": key.ActorID})
	})
}
