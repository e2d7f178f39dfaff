package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	all    []string
	groups map[string][]string
	err    error
}

func (d stubDirectory) ListActiveUserIDs(context.Context) ([]string, error) { return d.all, d.err }

func (d stubDirectory) ListUserIDsInGroup(_ context.Context, tag string) ([]string, error) {
	return d.groups[tag], d.err
}

func TestResolve_Targets(t *testing.T) {
	r := NewResolver(stubDirectory{
		all:    []string{"10", "2", "alice", "1", "2"},
		groups: map[string][]string{"vip": {"7", "3"}},
	})
	ctx := context.Background()

	got, err := r.Resolve(ctx, TargetAll, nil, "")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "10", "alice"}, got)

	got, err = r.Resolve(ctx, TargetUsers, []string{" 5 ", "5", "", "4"}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"4", "5"}, got)

	got, err = r.Resolve(ctx, TargetGroup, nil, "vip")
	require.NoError(t, err)
	require.Equal(t, []string{"3", "7"}, got)
}

func TestResolve_Empty(t *testing.T) {
	r := NewResolver(stubDirectory{groups: map[string][]string{}})
	ctx := context.Background()

	_, err := r.Resolve(ctx, TargetAll, nil, "")
	require.ErrorIs(t, err, ErrEmptyAudience)
	_, err = r.Resolve(ctx, TargetUsers, []string{"", " "}, "")
	require.ErrorIs(t, err, ErrEmptyAudience)
	_, err = r.Resolve(ctx, TargetGroup, nil, "ghosts")
	require.ErrorIs(t, err, ErrEmptyAudience)
	_, err = r.Resolve(ctx, TargetGroup, nil, "")
	require.ErrorIs(t, err, ErrEmptyAudience)
}

func TestResolve_Errors(t *testing.T) {
	r := NewResolver(stubDirectory{err: errors.New("conn refused")})
	_, err := r.Resolve(context.Background(), TargetAll, nil, "")
	require.ErrorIs(t, err, ErrStorage)

	_, err = r.Resolve(context.Background(), TargetType("everyone"), nil, "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCode(t *testing.T) {
	require.Equal(t, "invalid_state", Code(&StateError{Op: "send", ID: "x", Status: StatusSending}))
	require.Equal(t, "channel_timeout", Code(&ChannelError{RecipientID: "1", Timeout: true}))
	require.Equal(t, "channel_delivery_error", Code(&ChannelError{RecipientID: "1"}))
	require.Equal(t, "storage_error", Code(WrapStorage("op", errors.New("boom"))))
	require.Equal(t, "not_found", Code(WrapStorage("op", ErrNotFound)))
	require.Equal(t, "internal", Code(errors.New("other")))
}
