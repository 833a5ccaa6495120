// Package credentials owns the per-tenant token records: saving, reading, expiry checks and refresh.
package credentials

import (
	"context"
	"credproxy/internal/metrics"
	"credproxy/internal/ports"
	"credproxy/internal/types"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const defaultLeasePoll = 100 * time.Millisecond

// Store reads and writes token records through a ports.TokenStore and refreshes them through a
// ports.TokenExchanger. Concurrent refreshes of one domain are coalesced within the process; a
// ports.RefreshLease, when set, extends that to every process sharing the backend.
type Store struct {
	tokens    ports.TokenStore
	exchanger ports.TokenExchanger

	lease     ports.RefreshLease
	leaseTTL  time.Duration
	leasePoll time.Duration

	pub      ports.Publisher
	topicArn string

	cache    *TTL[string, types.TokenRecord]
	cacheTTL time.Duration

	group   singleflight.Group
	timeNow func() time.Time
}

type Option func(*Store)

// WithLease coordinates refreshes across processes. A process that cannot take the lease waits up to ttl
// for the holder to save a newer record. ttl also bounds the token exchange itself, with or without a lease.
func WithLease(l ports.RefreshLease, ttl time.Duration) Option {
	return func(s *Store) {
		s.lease = l
		s.leaseTTL = ttl
	}
}

// WithLeasePoll sets how often a waiting process re-reads the record while another one holds the lease.
func WithLeasePoll(d time.Duration) Option {
	return func(s *Store) { s.leasePoll = d }
}

// WithPublisher publishes a types.CredentialEvent to topicArn after every install, exchange and refresh.
func WithPublisher(p ports.Publisher, topicArn string) Option {
	return func(s *Store) {
		s.pub = p
		s.topicArn = topicArn
	}
}

// WithCache serves Get from memory for up to ttl. Only worth it when this process is the only writer.
func WithCache(ttl time.Duration) Option {
	return func(s *Store) { s.cacheTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.timeNow = now }
}

func NewStore(tokens ports.TokenStore, exchanger ports.TokenExchanger, opts ...Option) *Store {
	s := &Store{
		tokens:    tokens,
		exchanger: exchanger,
		leaseTTL:  types.DefaultLeaseTTL,
		leasePoll: defaultLeasePoll,
		timeNow:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheTTL > 0 {
		s.cache = NewTTL[string, types.TokenRecord](s.timeNow)
	}
	return s
}

// Save stamps record.SavedAt with the current time and replaces whatever was stored for domain.
func (s *Store) Save(ctx context.Context, domain string, record *types.TokenRecord) error {
	if domain == "" {
		return types.Err(types.ErrInvalidArgument, nil, "domain is required")
	}
	if record == nil {
		return types.Err(types.ErrInvalidArgument, nil, "record is required")
	}
	record.Domain = domain
	record.SetSavedAt(s.timeNow())
	if err := s.tokens.Put(ctx, domain, *record); err != nil {
		if s.cache != nil {
			s.cache.Delete(domain)
		}
		return types.Err(types.ErrPersistence, err, "domain %s", domain)
	}
	if s.cache != nil {
		s.cache.Set(domain, *record, s.cacheTTL)
	}
	return nil
}

// Get returns the record of domain, or nil without an error when there is none.
func (s *Store) Get(ctx context.Context, domain string) (*types.TokenRecord, error) {
	if domain == "" {
		return nil, types.Err(types.ErrInvalidArgument, nil, "domain is required")
	}
	if s.cache != nil {
		if rec, ok := s.cache.Get(domain); ok {
			return &rec, nil
		}
	}
	rec, err := s.tokens.Load(ctx, domain)
	if err != nil {
		return nil, err
	}
	if rec != nil && s.cache != nil {
		s.cache.Set(domain, *rec, s.cacheTTL)
	}
	return rec, nil
}

// IsExpired reports whether the token of domain must be refreshed before use. It never fails: a missing
// record or a read error counts as expired.
func (s *Store) IsExpired(ctx context.Context, domain string) bool {
	rec, err := s.Get(ctx, domain)
	if err != nil {
		log.WithError(err).WithField("domain", domain).Warn("expiry check failed, treating token as expired")
		return true
	}
	if rec == nil {
		return true
	}
	return s.Expired(*rec)
}

// Expired applies the expiry rule to a record already at hand.
func (s *Store) Expired(rec types.TokenRecord) bool {
	return rec.ExpiredAt(s.timeNow())
}

// Delete removes the record of domain. Only administrative tooling does this.
func (s *Store) Delete(ctx context.Context, domain string) error {
	if domain == "" {
		return types.Err(types.ErrInvalidArgument, nil, "domain is required")
	}
	if s.cache != nil {
		s.cache.Delete(domain)
	}
	return s.tokens.Delete(ctx, domain)
}

// Expire backdates the record of domain past its lifetime so that the next use refreshes it.
func (s *Store) Expire(ctx context.Context, domain string) error {
	if domain == "" {
		return types.Err(types.ErrInvalidArgument, nil, "domain is required")
	}
	rec, err := s.tokens.Load(ctx, domain)
	if err != nil {
		return err
	}
	if rec == nil {
		return types.Err(types.ErrNoToken, nil, "domain %s", domain)
	}
	rec.SetSavedAt(s.timeNow().Add(-time.Duration(rec.ExpiresIn)*time.Second - time.Second))
	if s.cache != nil {
		s.cache.Delete(domain)
	}
	if err := s.tokens.Put(ctx, domain, *rec); err != nil {
		return types.Err(types.ErrPersistence, err, "domain %s", domain)
	}
	return nil
}

// Domains lists every domain with a stored record.
func (s *Store) Domains(ctx context.Context) ([]string, error) {
	return s.tokens.ListDomains(ctx)
}

// Refresh exchanges the stored refresh token of domain unconditionally.
func (s *Store) Refresh(ctx context.Context, domain string) (*types.TokenRecord, error) {
	return s.RefreshFor(ctx, domain, metrics.ReasonManual, nil)
}

// RefreshFor refreshes the token of domain because of reason. When seen is the record the caller found
// unusable and the stored record has changed since, the stored one is returned without a new exchange.
func (s *Store) RefreshFor(ctx context.Context, domain, reason string, seen *types.TokenRecord) (*types.TokenRecord, error) {
	if domain == "" {
		return nil, types.Err(types.ErrInvalidArgument, nil, "domain is required")
	}
	// The shared refresh outlives a single caller giving up.
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(domain, func() (any, error) {
		return s.refresh(detached, domain, reason, seen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		rec := r.Val.(types.TokenRecord)
		return &rec, nil
	}
}

func (s *Store) refresh(ctx context.Context, domain, reason string, seen *types.TokenRecord) (types.TokenRecord, error) {
	logger := log.WithFields(log.Fields{"domain": domain, "reason": reason})

	current, err := s.tokens.Load(ctx, domain)
	if err != nil {
		return types.TokenRecord{}, types.Err(types.ErrRefreshFailed, err, "domain %s", domain)
	}
	if current == nil || current.RefreshToken == "" {
		return types.TokenRecord{}, types.Err(types.ErrNoRefreshToken, nil, "domain %s", domain)
	}
	if changedSince(*current, seen) {
		logger.Debug("token already replaced, skipping refresh")
		s.remember(*current)
		return *current, nil
	}

	if s.lease != nil {
		owner := uuid.NewString()
		acquired, err := s.lease.Acquire(ctx, domain, owner, s.leaseTTL)
		switch {
		case err != nil:
			logger.WithError(err).Warn("refresh lease unavailable, refreshing without it")
		case acquired:
			defer func() {
				if err := s.lease.Release(context.WithoutCancel(ctx), domain, owner); err != nil {
					logger.WithError(err).Warn("failed to release refresh lease")
				}
			}()
		default:
			if rec, ok := s.awaitHolder(ctx, domain, *current); ok {
				logger.Debug("token refreshed by another process")
				return rec, nil
			}
			logger.Warn("refresh lease holder did not save a new token in time, refreshing")
		}
	}

	// The flight is detached from its callers, so only this deadline ends a hung token endpoint.
	exchangeCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.leaseTTL > 0 {
		exchangeCtx, cancel = context.WithTimeout(ctx, s.leaseTTL)
	}
	grant, err := s.exchanger.Refresh(exchangeCtx, current.RefreshToken)
	cancel()
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(reason, metrics.ResultError).Inc()
		logger.WithError(err).Error("token refresh failed")
		return types.TokenRecord{}, types.Err(types.ErrRefreshFailed, err, "domain %s", domain)
	}

	next := mergeGrant(*current, grant)
	if err := s.Save(ctx, domain, &next); err != nil {
		metrics.TokenRefreshes.WithLabelValues(reason, metrics.ResultError).Inc()
		return types.TokenRecord{}, types.Err(types.ErrRefreshFailed, err, "")
	}
	metrics.TokenRefreshes.WithLabelValues(reason, metrics.ResultOK).Inc()
	logger.WithField("expires_in", next.ExpiresIn).Info("token refreshed")
	s.publish(ctx, types.EventRefreshed, next)
	return next, nil
}

// awaitHolder polls for a record newer than prev until the lease ttl runs out.
func (s *Store) awaitHolder(ctx context.Context, domain string, prev types.TokenRecord) (types.TokenRecord, bool) {
	deadline := time.NewTimer(s.leaseTTL)
	defer deadline.Stop()
	tick := time.NewTicker(s.leasePoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return types.TokenRecord{}, false
		case <-deadline.C:
			return types.TokenRecord{}, false
		case <-tick.C:
			rec, err := s.tokens.Load(ctx, domain)
			if err != nil || rec == nil {
				continue
			}
			if changedSince(*rec, &prev) {
				s.remember(*rec)
				return *rec, true
			}
		}
	}
}

func (s *Store) remember(rec types.TokenRecord) {
	if s.cache != nil {
		s.cache.Set(rec.Domain, rec, s.cacheTTL)
	}
}

func changedSince(current types.TokenRecord, seen *types.TokenRecord) bool {
	if seen == nil {
		return false
	}
	return current.SavedAtMs > seen.SavedAtMs || current.AccessToken != seen.AccessToken
}

// mergeGrant builds the replacement record; whatever the server left out is carried over from prev.
func mergeGrant(prev types.TokenRecord, g types.Grant) types.TokenRecord {
	next := types.TokenRecord{
		Domain:           prev.Domain,
		AccessToken:      g.AccessToken,
		RefreshToken:     firstNonEmpty(g.RefreshToken, prev.RefreshToken),
		ExpiresIn:        g.ExpiresIn,
		ClientEndpoint:   firstNonEmpty(g.ClientEndpoint, prev.ClientEndpoint),
		ServerEndpoint:   firstNonEmpty(g.ServerEndpoint, prev.ServerEndpoint),
		MemberID:         firstNonEmpty(g.MemberID, prev.MemberID),
		UserID:           firstNonEmpty(g.UserID, prev.UserID),
		ApplicationToken: prev.ApplicationToken,
		Scope:            firstNonEmpty(g.Scope, prev.Scope),
		Status:           firstNonEmpty(g.Status, prev.Status),
	}
	if next.ExpiresIn <= 0 {
		next.ExpiresIn = types.DefaultExpiresIn
	}
	return next
}

// InstallCredentials stores the initial record delivered by an installation event.
func (s *Store) InstallCredentials(ctx context.Context, auth types.InstallAuth) (*types.TokenRecord, error) {
	if auth.Domain == "" || auth.AccessToken == "" || auth.RefreshToken == "" {
		return nil, types.Err(types.ErrInvalidPayload, nil, "domain, access_token and refresh_token are required")
	}
	expiresIn := auth.ExpiresIn
	if expiresIn <= 0 {
		if auth.Expires > 0 {
			expiresIn = max(auth.Expires-s.timeNow().Unix(), 0)
		} else {
			expiresIn = types.DefaultExpiresIn
		}
	}
	rec := types.TokenRecord{
		AccessToken:      auth.AccessToken,
		RefreshToken:     auth.RefreshToken,
		ExpiresIn:        expiresIn,
		ClientEndpoint:   firstNonEmpty(auth.ClientEndpoint, types.DefaultClientEndpoint(auth.Domain)),
		ServerEndpoint:   auth.ServerEndpoint,
		MemberID:         auth.MemberID,
		UserID:           auth.UserID,
		ApplicationToken: auth.ApplicationToken,
		Scope:            auth.Scope,
		Status:           auth.Status,
	}
	if err := s.Save(ctx, auth.Domain, &rec); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"domain": auth.Domain, "member_id": auth.MemberID}).Info("application installed")
	s.publish(ctx, types.EventInstalled, rec)
	return &rec, nil
}

// ExchangeAuthorizationCode trades an OAuth authorization code for the first token pair of domain.
func (s *Store) ExchangeAuthorizationCode(ctx context.Context, code, domain string) (*types.TokenRecord, error) {
	if code == "" || domain == "" {
		return nil, types.Err(types.ErrInvalidArgument, nil, "code and domain are required")
	}
	grant, err := s.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		log.WithError(err).WithField("domain", domain).Error("authorization code exchange failed")
		if errors.Is(err, types.ErrTransport) {
			return nil, err
		}
		return nil, types.Err(types.ErrInvalidGrant, err, "domain %s", domain)
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		return nil, types.Err(types.ErrInvalidGrant, nil, "token response for %s lacks access or refresh token", domain)
	}
	expiresIn := grant.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = types.DefaultExpiresIn
	}
	rec := types.TokenRecord{
		AccessToken:    grant.AccessToken,
		RefreshToken:   grant.RefreshToken,
		ExpiresIn:      expiresIn,
		ClientEndpoint: firstNonEmpty(grant.ClientEndpoint, types.DefaultClientEndpoint(domain)),
		ServerEndpoint: grant.ServerEndpoint,
		MemberID:       grant.MemberID,
		UserID:         grant.UserID,
		Scope:          grant.Scope,
		Status:         grant.Status,
	}
	if err := s.Save(ctx, domain, &rec); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"domain": domain, "member_id": rec.MemberID}).Info("authorization code exchanged")
	s.publish(ctx, types.EventExchanged, rec)
	return &rec, nil
}

func (s *Store) publish(ctx context.Context, kind string, rec types.TokenRecord) {
	if s.pub == nil || s.topicArn == "" {
		return
	}
	ev := types.CredentialEvent{
		Type:     kind,
		Domain:   rec.Domain,
		MemberID: rec.MemberID,
		SavedAt:  rec.SavedAtMs,
	}
	if at, ok := rec.ExpiresAt(); ok {
		ev.Expires = at.UnixMilli()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("failed to marshal credential event")
		return
	}
	if err := s.pub.PublishRaw(ctx, s.topicArn, b); err != nil {
		log.WithError(err).WithFields(log.Fields{"domain": rec.Domain, "event": kind}).Warn("failed to publish credential event")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
