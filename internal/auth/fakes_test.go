package auth

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/model"
	"github.com/oobauth/server/internal/observability"
	"github.com/oobauth/server/internal/repo"
)

func notFound(what string) error {
	return fmt.Errorf("%s not found: %w", what, sql.ErrNoRows)
}

// memStore keeps every table in memory with the same conditional semantics as the SQL repos
type memStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	users    map[uuid.UUID]model.User
	profiles map[uuid.UUID]model.SecurityProfile
	attempts map[uuid.UUID]model.LoginAttempt
	final    map[uuid.UUID]time.Time
	codes    map[string]model.VerificationCode
	blocks   []model.DeviceBlock
	counters map[string]counter
}

type counter struct {
	hits    int
	started time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[uuid.UUID]model.User{},
		profiles: map[uuid.UUID]model.SecurityProfile{},
		attempts: map[uuid.UUID]model.LoginAttempt{},
		final:    map[uuid.UUID]time.Time{},
		codes:    map[string]model.VerificationCode{},
		counters: map[string]counter{},
	}
}

func (m *memStore) stores() Stores {
	return Stores{
		Profiles: memProfiles{m},
		Attempts: memAttempts{m},
		Codes:    memCodes{m},
		Blocks:   memBlocks{m},
		Tx:       m,
	}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx)
}

func (m *memStore) attemptStatus(id uuid.UUID) model.AttemptStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id].Status
}

func (m *memStore) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

func (m *memStore) code(value string) model.VerificationCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[value]
}

func (m *memStore) allBlocks() []model.DeviceBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DeviceBlock(nil), m.blocks...)
}

// users

type memUsers struct{ m *memStore }

var _ repo.UserRepo = memUsers{}

func (r memUsers) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok {
		return model.User{}, notFound("user")
	}
	return u, nil
}

func (r memUsers) GetByUsername(_ context.Context, username string) (model.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, u := range r.m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return model.User{}, notFound("user")
}

func (r memUsers) Create(_ context.Context, username, passwordHash string, superuser bool) (model.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u := model.User{ID: uuid.New(), Username: username, PasswordHash: passwordHash, IsActive: true, IsSuperuser: superuser, CreatedAt: time.Now()}
	r.m.users[u.ID] = u
	return u, nil
}

func (r memUsers) UpdateLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok {
		return notFound("user")
	}
	u.LastLoginAt = &at
	r.m.users[id] = u
	return nil
}

// profiles

type memProfiles struct{ m *memStore }

var _ repo.ProfileRepo = memProfiles{}

func (r memProfiles) GetByUserID(_ context.Context, userID uuid.UUID) (model.SecurityProfile, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.profiles[userID]
	if !ok {
		return model.SecurityProfile{}, notFound("security profile")
	}
	return p, nil
}

func (r memProfiles) Upsert(_ context.Context, p model.SecurityProfile) (model.SecurityProfile, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.m.profiles[p.UserID] = p
	return p, nil
}

func (r memProfiles) UpdateLastLogin(_ context.Context, userID uuid.UUID, ip, device string, location *string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.profiles[userID]
	if !ok {
		return nil
	}
	p.LastLoginIP, p.LastLoginDevice, p.LastLoginLocation = &ip, &device, location
	r.m.profiles[userID] = p
	return nil
}

// attempts

type memAttempts struct{ m *memStore }

func (r memAttempts) Create(_ context.Context, a model.LoginAttempt) (model.LoginAttempt, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	if a.Status == "" {
		a.Status = model.AttemptPending
	}
	r.m.attempts[a.ID] = a
	return a, nil
}

func (r memAttempts) GetByID(_ context.Context, id uuid.UUID) (model.LoginAttempt, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.attempts[id]
	if !ok {
		return model.LoginAttempt{}, notFound("login attempt")
	}
	return a, nil
}

func (r memAttempts) SetStatus(_ context.Context, id uuid.UUID, status model.AttemptStatus, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.attempts[id]
	if !ok || a.Status.Terminal() {
		return notFound("open login attempt")
	}
	a.Status = status
	if status.Terminal() {
		a.ResolvedAt = &at
	}
	r.m.attempts[id] = a
	return nil
}

func (r memAttempts) MarkFinalized(_ context.Context, id uuid.UUID, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.attempts[id]
	if _, done := r.m.final[id]; !ok || done || a.Status != model.AttemptConfirmed {
		return notFound("unfinalized login attempt")
	}
	r.m.final[id] = at
	return nil
}

// codes

type memCodes struct{ m *memStore }

func (r memCodes) Create(_ context.Context, c model.VerificationCode) (model.VerificationCode, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, exists := r.m.codes[c.Code]; exists {
		return model.VerificationCode{}, repo.ErrDuplicate
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	r.m.codes[c.Code] = c
	return c, nil
}

func (r memCodes) GetByCode(_ context.Context, code string) (model.VerificationCode, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.codes[code]
	if !ok {
		return model.VerificationCode{}, notFound("verification code")
	}
	return c, nil
}

func (r memCodes) Consume(_ context.Context, code string, now time.Time) (model.VerificationCode, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.codes[code]
	if !ok || c.Used || !now.Before(c.ExpiresAt) {
		return model.VerificationCode{}, notFound("verification code")
	}
	c.Used = true
	c.UsedAt = &now
	r.m.codes[code] = c
	return c, nil
}

func (r memCodes) ConsumeByAttempt(_ context.Context, attemptID uuid.UUID, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for k, c := range r.m.codes {
		if c.AttemptID == attemptID && !c.Used {
			c.Used = true
			c.UsedAt = &now
			r.m.codes[k] = c
		}
	}
	return nil
}

// blocks

type memBlocks struct{ m *memStore }

func (r memBlocks) IsBlocked(_ context.Context, userID uuid.UUID, ip string, now time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, b := range r.m.blocks {
		if b.UserID == userID && b.IPAddress == ip && b.ActiveAt(now) {
			return true, nil
		}
	}
	return false, nil
}

func (r memBlocks) Create(_ context.Context, b model.DeviceBlock) (model.DeviceBlock, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b.ID = uuid.New()
	b.IsActive = true
	b.CreatedAt = time.Now()
	r.m.blocks = append(r.m.blocks, b)
	return b, nil
}

func (r memBlocks) Deactivate(_ context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i := range r.m.blocks {
		if r.m.blocks[i].ID == id {
			r.m.blocks[i].IsActive = false
			return nil
		}
	}
	return notFound("device block")
}

func (r memBlocks) Purge(_ context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i := range r.m.blocks {
		if r.m.blocks[i].ID == id {
			r.m.blocks = append(r.m.blocks[:i], r.m.blocks[i+1:]...)
			return nil
		}
	}
	return notFound("device block")
}

func (r memBlocks) ListActive(_ context.Context, now time.Time) ([]model.DeviceBlock, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.DeviceBlock
	for _, b := range r.m.blocks {
		if b.ActiveAt(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r memBlocks) GetByID(_ context.Context, id uuid.UUID) (model.DeviceBlock, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, b := range r.m.blocks {
		if b.ID == id {
			return b, nil
		}
	}
	return model.DeviceBlock{}, notFound("device block")
}

// counters

type memCounters struct{ m *memStore }

func (r memCounters) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c := r.m.counters[key]
	if c.hits == 0 || !c.started.After(now.Add(-window)) {
		c = counter{started: now}
	}
	c.hits++
	r.m.counters[key] = c
	return c.hits, c.started.Add(window), nil
}

func (r memCounters) Reset(_ context.Context, key string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.counters, key)
	return nil
}

// notifier

type sentLogin struct {
	binding model.ChannelBinding
	notice  LoginNotice
}

type fakeNotifier struct {
	mu       sync.Mutex
	err      error
	logins   []sentLogin
	blockeds []BlockNotice

	// beforeReturn runs ahead of the outcome, like a reply racing a slow send
	beforeReturn func(notice LoginNotice)
}

func (n *fakeNotifier) NotifyLogin(_ context.Context, binding model.ChannelBinding, notice LoginNotice) error {
	if n.beforeReturn != nil {
		n.beforeReturn(notice)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.logins = append(n.logins, sentLogin{binding: binding, notice: notice})
	return nil
}

func (n *fakeNotifier) NotifyBlocked(_ context.Context, _ model.ChannelBinding, notice BlockNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blockeds = append(n.blockeds, notice)
	return nil
}

func (n *fakeNotifier) blockNotices() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.blockeds)
}

// clock

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *observability.Logger {
	return observability.NewLoggerTo(io.Discard)
}

func strPtr(s string) *string { return &s }
