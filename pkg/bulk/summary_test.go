package bulk

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

func TestRunSummary_AddErrorIsCapped(t *testing.T) {
	s := NewSummary(membership.BulkRequest{GroupID: "g1"}, 3)
	for i := range 10 {
		s.AddError(fmt.Sprintf("e%d", i))
	}
	require.Equal(t, []string{"e0", "e1", "e2"}, s.Errors)
}

func TestRunSummary_FailRemaining(t *testing.T) {
	req := membership.BulkRequest{GroupID: "g1", PrincipalIDs: []string{"a", "b", "c", "d", "e"}}
	s := NewSummary(req, 0)
	s.SuccessCount = 1
	s.NoOps = 1
	s.Skipped = 1

	s.FailRemaining(errors.New("boom"))
	require.Equal(t, 2, s.FailedCount)
	require.Equal(t, 5, s.Processed)
	require.Equal(t, []string{"boom"}, s.Errors)
	require.False(t, s.Complete())
}

func TestRunSummary_Merge(t *testing.T) {
	s := NewSummary(membership.BulkRequest{GroupID: "g1"}, 2)
	s.Merge(&RunSummary{SuccessCount: 3, FailedCount: 1, Processed: 5, NoOps: 1, Errors: []string{"x"}})
	s.Merge(&RunSummary{SuccessCount: 2, Processed: 2, Errors: []string{"y", "z"}})

	require.Equal(t, 5, s.SuccessCount)
	require.Equal(t, 1, s.FailedCount)
	require.Equal(t, 7, s.Processed)
	require.Equal(t, []string{"x", "y"}, s.Errors)
}

func TestRunSummary_JSON(t *testing.T) {
	s := NewSummary(membership.BulkRequest{
		GroupID:      "g1",
		Tag:          "vip",
		Direction:    membership.Revoke,
		PrincipalIDs: []string{"a"},
	}, 0)

	b, err := json.Marshal(s)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, "revoke", out["direction"])
	require.EqualValues(t, 1, out["total_users"])
	require.Equal(t, []any{}, out["errors"])
	require.NotContains(t, out, "maxErrors")
}
