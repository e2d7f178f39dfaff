package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Resolver turns a message target into a concrete recipient list.
type Resolver struct {
	Directory UserDirectory
}

func NewResolver(dir UserDirectory) *Resolver { return &Resolver{Directory: dir} }

// Resolve returns the deduplicated audience sorted by recipient ID.
// Numeric IDs sort numerically and before non-numeric ones.
func (r *Resolver) Resolve(ctx context.Context, target TargetType, userIDs []string, group string) ([]string, error) {
	var raw []string
	switch target {
	case TargetAll:
		ids, err := r.Directory.ListActiveUserIDs(ctx)
		if err != nil {
			return nil, WrapStorage("list_active_users", err)
		}
		raw = ids
	case TargetUser, TargetUsers:
		raw = userIDs
	case TargetGroup:
		if strings.TrimSpace(group) == "" {
			return nil, ErrEmptyAudience
		}
		ids, err := r.Directory.ListUserIDsInGroup(ctx, group)
		if err != nil {
			return nil, WrapStorage("list_group_users", err)
		}
		raw = ids
	default:
		return nil, fmt.Errorf("%w: unknown target_type %q", ErrInvalidInput, target)
	}

	out := dedupe(raw)
	if len(out) == 0 {
		return nil, ErrEmptyAudience
	}
	SortRecipients(out)
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func SortRecipients(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return lessRecipient(ids[i], ids[j]) })
}

func lessRecipient(a, b string) bool {
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return an < bn
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}
