package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// ErrNotFound is returned by a Lookup when the principal does not exist in the group.
var ErrNotFound = errors.New("principal not found")

type Direction uint8

const (
	UnknownDirection Direction = iota
	Grant
	Revoke
	// Toggle grants the tag to principals that lack it and revokes it from principals that have it.
	Toggle
)

func (d Direction) String() string {
	switch d {
	case Grant:
		return "grant"
	case Revoke:
		return "revoke"
	case Toggle:
		return "toggle"
	default:
		return "unknown"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "grant", "add":
		return Grant, nil
	case "revoke", "remove":
		return Revoke, nil
	case "toggle":
		return Toggle, nil
	default:
		return UnknownDirection, fmt.Errorf("unknown direction %q", s)
	}
}

// Principal is a snapshot of a group member and its current tags.
type Principal struct {
	ID      string
	GroupID string
	Tags    mapset.Set[string]
}

func NewPrincipal(groupID string, id string, tags ...string) *Principal {
	return &Principal{
		ID:      id,
		GroupID: groupID,
		Tags:    mapset.NewSet(tags...),
	}
}

func (p *Principal) HasTag(tag string) bool {
	if p == nil || p.Tags == nil {
		return false
	}
	return p.Tags.Contains(tag)
}

// Resolve returns the concrete direction needed to move the principal into the
// requested state, or UnknownDirection when nothing needs to change.
func (p *Principal) Resolve(tag string, d Direction) Direction {
	has := p.HasTag(tag)
	switch d {
	case Grant:
		if has {
			return UnknownDirection
		}
		return Grant
	case Revoke:
		if !has {
			return UnknownDirection
		}
		return Revoke
	case Toggle:
		if has {
			return Revoke
		}
		return Grant
	default:
		return UnknownDirection
	}
}

type Pair struct {
	PrincipalID string `json:"principal_id"`
	Tag         string `json:"tag"`
}

type OperationResult struct {
	PrincipalID string `json:"principal_id"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// FailedResults builds one failed result per principal, all carrying msg.
func FailedResults(principalIDs []string, msg string) []OperationResult {
	rv := make([]OperationResult, 0, len(principalIDs))
	for _, id := range principalIDs {
		rv = append(rv, OperationResult{PrincipalID: id, Error: msg})
	}
	return rv
}

type BulkRequest struct {
	GroupID      string
	PrincipalIDs []string
	Tag          string
	Direction    Direction
	Reason       string
}

func (r BulkRequest) Validate() error {
	if r.GroupID == "" {
		return errors.New("group id is required")
	}
	if r.Tag == "" {
		return errors.New("tag is required")
	}
	switch r.Direction {
	case Grant, Revoke, Toggle:
	default:
		return fmt.Errorf("invalid direction: %s", r.Direction)
	}
	return nil
}

// WithPrincipals returns a copy of the request scoped to ids.
func (r BulkRequest) WithPrincipals(ids []string) BulkRequest {
	r.PrincipalIDs = ids
	return r
}

type Lookup interface {
	FetchPrincipal(ctx context.Context, groupID string, principalID string) (*Principal, error)
}

type Mutator interface {
	BulkGrant(ctx context.Context, groupID string, pairs []Pair, reason string) ([]OperationResult, error)
	BulkRevoke(ctx context.Context, groupID string, pairs []Pair, reason string) ([]OperationResult, error)
}

// Service is a remote membership API that can both read and mutate.
type Service interface {
	Lookup
	Mutator
}
