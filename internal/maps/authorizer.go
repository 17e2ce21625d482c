package maps

import "fmt"

// TokenAction enumerates the mutations the authorizer gates.
type TokenAction string

const (
	// TokenActionCreate introduces a token that does not exist yet.
	TokenActionCreate TokenAction = "create"
	// TokenActionUpdate edits or moves an existing token.
	TokenActionUpdate TokenAction = "update"
	// TokenActionDelete removes an existing token.
	TokenActionDelete TokenAction = "delete"
)

// AuthorizeTokenChange decides whether callerID, holding role, may apply the
// given action. existing is nil for creates; incoming is nil for deletes.
//
// The DM may do anything, including reassigning ownership. A player may create
// tokens they declare themselves the owner of, and may edit, move, or delete
// only tokens whose owner id equals their own. An empty owner id is treated as
// owned by the DM, so players can never touch such tokens.
func AuthorizeTokenChange(role Role, callerID string, action TokenAction, existing, incoming *Token) error {
	switch role {
	case RoleDM:
		return nil
	case RolePlayer:
	default:
		return fmt.Errorf("%w: no access to map", ErrForbidden)
	}

	switch action {
	case TokenActionCreate:
		if incoming == nil || incoming.OwnerID != callerID {
			return fmt.Errorf("%w: players may only create tokens they own", ErrForbidden)
		}
	case TokenActionUpdate:
		if existing == nil || existing.OwnerID == "" || existing.OwnerID != callerID {
			return fmt.Errorf("%w: token %q is not owned by caller", ErrForbidden, tokenID(existing))
		}
		if incoming != nil && incoming.OwnerID != existing.OwnerID {
			return fmt.Errorf("%w: players may not reassign token ownership", ErrForbidden)
		}
	case TokenActionDelete:
		if existing == nil || existing.OwnerID == "" || existing.OwnerID != callerID {
			return fmt.Errorf("%w: token %q is not owned by caller", ErrForbidden, tokenID(existing))
		}
	default:
		return fmt.Errorf("%w: unknown token action %q", ErrForbidden, action)
	}
	return nil
}

// FilterDocumentFields strips DM-exclusive document fields (name, grid
// configuration) from a non-DM submission. The fields are silently ignored
// rather than rejected so that a player's otherwise-valid replace still lands.
func FilterDocumentFields(role Role, update *DocumentUpdate) {
	if role == RoleDM || update == nil {
		return
	}
	update.Name = nil
	update.Grid = nil
}

// AuthorizeTokenCollection validates a whole-collection submission against the
// per-token rules. For non-DM callers the decision is all-or-nothing: if the
// submission implies creating, deleting, or editing any token the caller does
// not own, the entire request is rejected rather than partially applied.
func AuthorizeTokenCollection(role Role, callerID string, existing []Token, incoming []TokenWrite) error {
	if role == RoleDM {
		return nil
	}
	if role != RolePlayer {
		return fmt.Errorf("%w: no access to map", ErrForbidden)
	}

	existingByID := make(map[string]Token, len(existing))
	for _, token := range existing {
		existingByID[token.TokenID] = token
	}

	incomingIDs := make(map[string]struct{}, len(incoming))
	for _, write := range incoming {
		incomingIDs[write.TokenID] = struct{}{}
		current, found := existingByID[write.TokenID]
		if !found {
			candidate := write.asToken("", 0)
			if err := AuthorizeTokenChange(role, callerID, TokenActionCreate, nil, &candidate); err != nil {
				return err
			}
			continue
		}
		candidate := write.asToken(current.MapID, current.UpdatedAtSeconds)
		if tokensEqual(current, candidate) {
			continue
		}
		if err := AuthorizeTokenChange(role, callerID, TokenActionUpdate, &current, &candidate); err != nil {
			return err
		}
	}

	for _, token := range existing {
		if _, kept := incomingIDs[token.TokenID]; kept {
			continue
		}
		current := token
		if err := AuthorizeTokenChange(role, callerID, TokenActionDelete, &current, nil); err != nil {
			return err
		}
	}
	return nil
}

func (w TokenWrite) asToken(mapID string, updatedAt int64) Token {
	return Token{
		MapID:            mapID,
		TokenID:          w.TokenID,
		OwnerID:          w.OwnerID,
		Layer:            w.Layer,
		X:                w.X,
		Y:                w.Y,
		Name:             w.Name,
		ImageURL:         w.ImageURL,
		Size:             w.Size,
		Color:            w.Color,
		Hidden:           w.Hidden,
		StatsJSON:        string(w.Stats),
		UpdatedAtSeconds: updatedAt,
	}
}

// tokensEqual ignores the update timestamp so that an unchanged token
// resubmitted in a collection does not count as an edit.
func tokensEqual(a, b Token) bool {
	a.UpdatedAtSeconds = 0
	b.UpdatedAtSeconds = 0
	return a == b
}

func tokenID(token *Token) string {
	if token == nil {
		return ""
	}
	return token.TokenID
}
