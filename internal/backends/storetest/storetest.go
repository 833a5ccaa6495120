// Package storetest holds the behaviour every ports.TokenStore and ports.RefreshLease backend must share.
package storetest

import (
	"context"
	"credproxy/internal/ports"
	"credproxy/internal/types"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"
)

// TokenStoreSuite runs against the store returned by NewStore; the store is cleared before every test.
type TokenStoreSuite struct {
	suite.Suite

	NewStore func() ports.TokenStore
	store    ports.TokenStore
}

func (s *TokenStoreSuite) SetupTest() {
	s.store = s.NewStore()
	s.Require().NoError(s.store.ClearAll(context.Background()))
}

func Record(domain string) types.TokenRecord {
	return types.TokenRecord{
		Domain:         domain,
		AccessToken:    "at-" + domain,
		RefreshToken:   "rt-" + domain,
		ExpiresIn:      3600,
		SavedAtMs:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
		ClientEndpoint: types.DefaultClientEndpoint(domain),
		MemberID:       "member-" + domain,
		Scope:          "crm,user",
		Status:         "L",
	}
}

func (s *TokenStoreSuite) TestLoadMissingIsNotAnError() {
	rec, err := s.store.Load(context.Background(), "missing.bitrix24.com")
	s.NoError(err)
	s.Nil(rec)
}

func (s *TokenStoreSuite) TestPutThenLoad() {
	ctx := context.Background()
	want := Record("acme.bitrix24.com")
	s.Require().NoError(s.store.Put(ctx, want.Domain, want))

	got, err := s.store.Load(ctx, want.Domain)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(want, *got)
}

func (s *TokenStoreSuite) TestPutReplacesWholeRecord() {
	ctx := context.Background()
	first := Record("acme.bitrix24.com")
	s.Require().NoError(s.store.Put(ctx, first.Domain, first))

	second := types.TokenRecord{
		Domain:       first.Domain,
		AccessToken:  "at-2",
		RefreshToken: "rt-2",
		ExpiresIn:    60,
		SavedAtMs:    first.SavedAtMs + 1000,
	}
	s.Require().NoError(s.store.Put(ctx, first.Domain, second))

	got, err := s.store.Load(ctx, first.Domain)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(second, *got)
	s.Empty(got.MemberID)
}

func (s *TokenStoreSuite) TestListAndDelete() {
	ctx := context.Background()
	for _, d := range []string{"b.bitrix24.com", "a.bitrix24.com"} {
		s.Require().NoError(s.store.Put(ctx, d, Record(d)))
	}
	domains, err := s.store.ListDomains(ctx)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"a.bitrix24.com", "b.bitrix24.com"}, domains)

	s.Require().NoError(s.store.Delete(ctx, "a.bitrix24.com"))
	s.Require().NoError(s.store.Delete(ctx, "never-existed.bitrix24.com"))
	domains, err = s.store.ListDomains(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"b.bitrix24.com"}, domains)
}

func (s *TokenStoreSuite) TestConcurrentPutsOnDistinctKeys() {
	ctx := context.Background()
	var wg sync.WaitGroup
	domains := []string{"c1.bitrix24.com", "c2.bitrix24.com", "c3.bitrix24.com", "c4.bitrix24.com"}
	for _, d := range domains {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			s.NoError(s.store.Put(ctx, d, Record(d)))
		}(d)
	}
	wg.Wait()
	for _, d := range domains {
		rec, err := s.store.Load(ctx, d)
		s.NoError(err)
		s.NotNil(rec)
	}
}

// LeaseSuite runs against the lease returned by NewLease. Domains are made unique per test run.
type LeaseSuite struct {
	suite.Suite

	NewLease func() ports.RefreshLease
	lease    ports.RefreshLease
	domain   string
}

func (s *LeaseSuite) SetupTest() {
	s.lease = s.NewLease()
	s.domain = "lease-" + time.Now().Format("150405.000000000") + ".bitrix24.com"
}

func (s *LeaseSuite) TestExclusive() {
	ctx := context.Background()
	ok, err := s.lease.Acquire(ctx, s.domain, "owner-a", 5*time.Second)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.lease.Acquire(ctx, s.domain, "owner-b", 5*time.Second)
	s.Require().NoError(err)
	s.False(ok)

	// Only the holder can release.
	s.Require().NoError(s.lease.Release(ctx, s.domain, "owner-b"))
	ok, err = s.lease.Acquire(ctx, s.domain, "owner-b", 5*time.Second)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.lease.Release(ctx, s.domain, "owner-a"))
	ok, err = s.lease.Acquire(ctx, s.domain, "owner-b", 5*time.Second)
	s.Require().NoError(err)
	s.True(ok)
	s.NoError(s.lease.Release(ctx, s.domain, "owner-b"))
}

func (s *LeaseSuite) TestExpires() {
	ctx := context.Background()
	ok, err := s.lease.Acquire(ctx, s.domain, "owner-a", time.Second)
	s.Require().NoError(err)
	s.True(ok)

	time.Sleep(2100 * time.Millisecond)
	ok, err = s.lease.Acquire(ctx, s.domain, "owner-b", time.Second)
	s.Require().NoError(err)
	s.True(ok)
}
