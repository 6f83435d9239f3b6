package memory

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v2"

	"github.com/conductorone/baton-rolebatch/pkg/ratelimit"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

// Service is a thread-safe in-memory membership service. It backs the mock
// server and tests, and can inject per-principal failures and rate limits.
type Service struct {
	mtx      sync.RWMutex
	groups   map[string]map[string]mapset.Set[string]
	failures map[string]string
	throttle int

	lookups atomic.Int64
	grants  atomic.Int64
	revokes atomic.Int64
}

var _ membership.Service = (*Service)(nil)

func New() *Service {
	return &Service{
		groups:   make(map[string]map[string]mapset.Set[string]),
		failures: make(map[string]string),
	}
}

func failureKey(groupID string, principalID string) string {
	return groupID + "/" + principalID
}

// Seed adds principalID to groupID with tags, replacing any tags it had.
func (s *Service) Seed(groupID string, principalID string, tags ...string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	members, ok := s.groups[groupID]
	if !ok {
		members = make(map[string]mapset.Set[string])
		s.groups[groupID] = members
	}
	members[principalID] = mapset.NewThreadUnsafeSet(tags...)
}

// SeedFile is the yaml layout accepted by LoadSeed: group ID to principal ID to tags.
//
//	groups:
//	  g1:
//	    u1: [vip]
//	    u2: []
type SeedFile struct {
	Groups map[string]map[string][]string `yaml:"groups"`
}

func (s *Service) LoadSeed(r io.Reader) error {
	var sf SeedFile
	if err := yaml.NewDecoder(r).Decode(&sf); err != nil && err != io.EOF {
		return fmt.Errorf("memory: decoding seed: %w", err)
	}
	for groupID, members := range sf.Groups {
		for principalID, tags := range members {
			s.Seed(groupID, principalID, tags...)
		}
	}
	return nil
}

func LoadSeedFile(path string) (*Service, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := New()
	if err := s.LoadSeed(f); err != nil {
		return nil, err
	}
	return s, nil
}

// FailPrincipal makes every mutation of principalID in groupID fail with msg.
// An empty msg clears the failure.
func (s *Service) FailPrincipal(groupID string, principalID string, msg string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if msg == "" {
		delete(s.failures, failureKey(groupID, principalID))
		return
	}
	s.failures[failureKey(groupID, principalID)] = msg
}

// ThrottleNext rejects the next n mutation calls with a rate limit error.
func (s *Service) ThrottleNext(n int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.throttle = n
}

type Stats struct {
	Lookups int64
	Grants  int64
	Revokes int64
}

func (s *Service) Stats() Stats {
	return Stats{
		Lookups: s.lookups.Load(),
		Grants:  s.grants.Load(),
		Revokes: s.revokes.Load(),
	}
}

func (s *Service) FetchPrincipal(_ context.Context, groupID string, principalID string) (*membership.Principal, error) {
	s.lookups.Add(1)

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	tags, ok := s.groups[groupID][principalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", membership.ErrNotFound, principalID, groupID)
	}
	return membership.NewPrincipal(groupID, principalID, tags.ToSlice()...), nil
}

func (s *Service) BulkGrant(_ context.Context, groupID string, pairs []membership.Pair, _ string) ([]membership.OperationResult, error) {
	s.grants.Add(1)
	return s.apply(groupID, pairs, membership.Grant)
}

func (s *Service) BulkRevoke(_ context.Context, groupID string, pairs []membership.Pair, _ string) ([]membership.OperationResult, error) {
	s.revokes.Add(1)
	return s.apply(groupID, pairs, membership.Revoke)
}

func (s *Service) apply(groupID string, pairs []membership.Pair, d membership.Direction) ([]membership.OperationResult, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.throttle > 0 {
		s.throttle--
		return nil, &ratelimit.Error{Message: "rate limit exceeded"}
	}

	members := s.groups[groupID]
	rv := make([]membership.OperationResult, 0, len(pairs))
	for _, pair := range pairs {
		res := membership.OperationResult{PrincipalID: pair.PrincipalID}

		tags, ok := members[pair.PrincipalID]
		switch {
		case !ok:
			res.Error = membership.ErrNotFound.Error()
		case s.failures[failureKey(groupID, pair.PrincipalID)] != "":
			res.Error = s.failures[failureKey(groupID, pair.PrincipalID)]
		case d == membership.Grant:
			tags.Add(pair.Tag)
			res.Success = true
		default:
			tags.Remove(pair.Tag)
			res.Success = true
		}
		rv = append(rv, res)
	}
	return rv, nil
}
