package restapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-rolebatch/pkg/bulk"
	"github.com/conductorone/baton-rolebatch/pkg/membership/memory"
	"github.com/conductorone/baton-rolebatch/pkg/membership/restapi"
	"github.com/conductorone/baton-rolebatch/pkg/ratelimit"
	"github.com/conductorone/baton-rolebatch/pkg/retry"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

const token = "s3cr3t"

func newServer(t *testing.T) (*memory.Service, *restapi.Client) {
	t.Helper()
	svc := memory.New()
	srv := httptest.NewServer(svc.Handler(memory.WithToken(token)))
	t.Cleanup(srv.Close)

	client, err := restapi.New(context.Background(), srv.URL+"/", restapi.WithHTTPClient(srv.Client()), restapi.WithToken(token))
	require.NoError(t, err)
	return svc, client
}

func TestClient_FetchPrincipal(t *testing.T) {
	svc, client := newServer(t)
	svc.Seed("g1", "u1", "vip", "staff")

	p, err := client.FetchPrincipal(context.Background(), "g1", "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", p.ID)
	require.Equal(t, "g1", p.GroupID)
	require.True(t, p.HasTag("vip"))
	require.True(t, p.HasTag("staff"))

	_, err = client.FetchPrincipal(context.Background(), "g1", "missing")
	require.ErrorIs(t, err, membership.ErrNotFound)
}

func TestClient_Mutations(t *testing.T) {
	svc, client := newServer(t)
	svc.Seed("g1", "u1")
	svc.Seed("g1", "u2", "vip")

	results, err := client.BulkGrant(context.Background(), "g1", []membership.Pair{{PrincipalID: "u1", Tag: "vip"}}, "quarterly review")
	require.NoError(t, err)
	require.Equal(t, []membership.OperationResult{{PrincipalID: "u1", Success: true}}, results)

	results, err = client.BulkRevoke(context.Background(), "g1", []membership.Pair{{PrincipalID: "u2", Tag: "vip"}}, "")
	require.NoError(t, err)
	require.True(t, results[0].Success)

	p, err := svc.FetchPrincipal(context.Background(), "g1", "u2")
	require.NoError(t, err)
	require.False(t, p.HasTag("vip"))
}

func TestClient_RateLimited(t *testing.T) {
	svc, client := newServer(t)
	svc.Seed("g1", "u1")
	svc.ThrottleNext(1)

	_, err := client.BulkGrant(context.Background(), "g1", []membership.Pair{{PrincipalID: "u1", Tag: "vip"}}, "")
	var rlErr *ratelimit.Error
	require.ErrorAs(t, err, &rlErr)
	require.NotNil(t, rlErr.Description)
	require.EqualValues(t, 0, rlErr.Description.Remaining)
	require.WithinDuration(t, time.Now().Add(time.Second), rlErr.Description.ResetAt, 2*time.Second)
}

func TestClient_SendsAuditHeaders(t *testing.T) {
	var got http.Header
	var body restapi.MutationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(restapi.MutationResponse{})
	}))
	defer srv.Close()

	client, err := restapi.New(context.Background(), srv.URL, restapi.WithToken(token))
	require.NoError(t, err)

	_, err = client.BulkGrant(context.Background(), "g 1", []membership.Pair{{PrincipalID: "u1", Tag: "vip"}}, "spring cleanup")
	require.NoError(t, err)

	require.Equal(t, "Bot "+token, got.Get("Authorization"))
	reason, err := url.QueryUnescape(got.Get(restapi.AuditReasonHeader))
	require.NoError(t, err)
	require.Equal(t, "spring cleanup", reason)
	require.NotEmpty(t, got.Get(restapi.RequestIDHeader))
	require.Equal(t, "spring cleanup", body.Reason)
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := restapi.New(context.Background(), "/api")
	require.Error(t, err)
}

func TestClient_DrivesBatchExecutor(t *testing.T) {
	svc, client := newServer(t)
	ids := make([]string, 0, 12)
	for i := range 12 {
		id := "u" + string(rune('a'+i))
		ids = append(ids, id)
		if i < 2 {
			svc.Seed("g1", id, "vip")
			continue
		}
		svc.Seed("g1", id)
	}
	svc.FailPrincipal("g1", "uc", "principal is suspended")
	svc.ThrottleNext(1)

	exec := bulk.NewBatchExecutor(client, client, bulk.Config{},
		bulk.WithRetryer(retry.NewRetryer(retry.RetryConfig{RetryDelay: time.Millisecond, RateLimitBackoff: 10 * time.Millisecond})),
	)
	summary := exec.Execute(context.Background(), membership.BulkRequest{
		GroupID:      "g1",
		PrincipalIDs: append(ids, "ghost"),
		Tag:          "vip",
		Direction:    membership.Grant,
		Reason:       "integration",
	})

	require.Equal(t, 13, summary.Processed)
	require.Equal(t, 2, summary.NoOps)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 9, summary.SuccessCount)
	require.Equal(t, 1, summary.FailedCount)
	require.Equal(t, []string{"uc: principal is suspended"}, summary.Errors)
	require.Equal(t, memory.Stats{Lookups: 13, Grants: 2, Revokes: 0}, svc.Stats())
}
