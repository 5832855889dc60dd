package store

import (
	"context"
	"fmt"

	"github.com/xraph/scimserver/internal/resource"
)

// ResolveMembers implements spec.md §4.6's Group read path: `members` is
// never persisted in data_orig, so on every read the store joins the
// memberships table and resolves each member's display name via a
// dependent select against the Users or Groups table, then injects the
// resulting array into the emitted document.
func (s *Store) ResolveMembers(ctx context.Context, tenantID int, groupID string) ([]any, error) {
	var rows []membershipRow
	if err := s.DB.NewSelect().
		Model(&rows).
		ModelTableExpr(membershipsTable(tenantID)).
		Where("group_id = ?", groupID).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: resolve members of %s: %w", groupID, err)
	}
	out := make([]any, 0, len(rows))
	for _, m := range rows {
		display, err := s.displayNameOf(ctx, tenantID, m.MemberType, m.MemberID)
		if err != nil {
			continue // referenced member was deleted without a membership cleanup; skip rather than fail the read
		}
		out = append(out, map[string]any{
			"value":   m.MemberID,
			"type":    m.MemberType,
			"display": display,
		})
	}
	return out, nil
}

func (s *Store) displayNameOf(ctx context.Context, tenantID int, memberType, memberID string) (string, error) {
	kind := KindUser
	if memberType == "Group" {
		kind = KindGroup
	}
	doc, _, err := s.Get(ctx, tenantID, kind, memberID)
	if err != nil {
		return "", err
	}
	if memberType == "Group" {
		if v, ok := resource.Get(doc, "", "displayName", ""); ok {
			if s, ok := v.(string); ok {
				return s, nil
			}
		}
		return "", nil
	}
	if v, ok := resource.Get(doc, "", "userName", ""); ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return "", nil
}

// ResolveGroupsForUser implements the symmetric read for User.groups
// (readOnly, spec.md §4.2): every Group the user is a member of.
func (s *Store) ResolveGroupsForUser(ctx context.Context, tenantID int, userID string) ([]any, error) {
	var rows []membershipRow
	if err := s.DB.NewSelect().
		Model(&rows).
		ModelTableExpr(membershipsTable(tenantID)).
		Where("member_id = ? AND member_type = 'User'", userID).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: resolve groups for %s: %w", userID, err)
	}
	out := make([]any, 0, len(rows))
	for _, m := range rows {
		display, err := s.displayNameOf(ctx, tenantID, "Group", m.GroupID)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"value":   m.GroupID,
			"display": display,
			"type":    "direct",
		})
	}
	return out, nil
}

// member is one entry of an incoming Group.members payload.
type member struct {
	Value string
	Type  string
}

// SyncMembers implements spec.md §4.6's Group write path: compute the
// symmetric difference between the incoming members set and the stored
// memberships, apply inserts and deletes, and strip "members" from the
// document the caller will persist to data_orig (members are never
// persisted there).
func (s *Store) SyncMembers(ctx context.Context, tenantID int, groupID string, doc resource.Document) error {
	incoming := extractMembers(doc)
	delete(doc, "members")

	var existingRows []membershipRow
	if err := s.DB.NewSelect().
		Model(&existingRows).
		ModelTableExpr(membershipsTable(tenantID)).
		Where("group_id = ?", groupID).
		Scan(ctx); err != nil {
		return fmt.Errorf("store: read memberships of %s: %w", groupID, err)
	}
	existing := map[member]bool{}
	for _, r := range existingRows {
		existing[member{Value: r.MemberID, Type: r.MemberType}] = true
	}
	want := map[member]bool{}
	for _, m := range incoming {
		if m.Type == "" {
			// RFC 7643 §4.2 defaults an omitted members[].type to "User";
			// existing rows are always stored with an explicit type, so
			// without this the diff against existing below would see a
			// spurious delete+insert pair on every re-sync.
			m.Type = "User"
		}
		want[m] = true
	}

	var toInsert []membershipRow
	for m := range want {
		if !existing[m] {
			toInsert = append(toInsert, membershipRow{GroupID: groupID, MemberID: m.Value, MemberType: m.Type})
		}
	}
	var toDelete []member
	for m := range existing {
		if !want[m] {
			toDelete = append(toDelete, m)
		}
	}

	if len(toInsert) > 0 {
		if _, err := s.DB.NewInsert().Model(&toInsert).ModelTableExpr(membershipsTable(tenantID)).Exec(ctx); err != nil {
			return fmt.Errorf("store: insert memberships of %s: %w", groupID, err)
		}
	}
	for _, m := range toDelete {
		if _, err := s.DB.NewDelete().
			ModelTableExpr(membershipsTable(tenantID)).
			Where("group_id = ? AND member_id = ? AND member_type = ?", groupID, m.Value, m.Type).
			Exec(ctx); err != nil {
			return fmt.Errorf("store: delete membership of %s: %w", groupID, err)
		}
	}
	return nil
}

func extractMembers(doc resource.Document) []member {
	arr, ok := resource.Multi(doc, "", "members")
	if !ok {
		return nil
	}
	out := make([]member, 0, len(arr))
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		value, _ := m["value"].(string)
		if value == "" {
			continue
		}
		typ, _ := m["type"].(string)
		out = append(out, member{Value: value, Type: typ})
	}
	return out
}
