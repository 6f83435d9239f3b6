package restapi

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

const (
	AuditReasonHeader = "X-Audit-Log-Reason"
	RequestIDHeader   = "X-Request-Id"

	// TokenType is the authorization scheme the membership API expects.
	TokenType = "Bot"
)

// PrincipalView is the JSON form of a group member.
type PrincipalView struct {
	ID      string   `json:"id"`
	GroupID string   `json:"group_id"`
	Tags    []string `json:"tags"`
}

func NewPrincipalView(p *membership.Principal) PrincipalView {
	tags := []string{}
	if p.Tags != nil {
		tags = p.Tags.ToSlice()
		sort.Strings(tags)
	}
	return PrincipalView{ID: p.ID, GroupID: p.GroupID, Tags: tags}
}

func (v PrincipalView) Principal() *membership.Principal {
	return &membership.Principal{
		ID:      v.ID,
		GroupID: v.GroupID,
		Tags:    mapset.NewSet(v.Tags...),
	}
}

type MutationRequest struct {
	Pairs  []membership.Pair `json:"pairs"`
	Reason string            `json:"reason,omitempty"`
}

type MutationResponse struct {
	Results []membership.OperationResult `json:"results"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
