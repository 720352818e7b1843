package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/model"
	"github.com/oobauth/server/internal/notify/telegram"
	"github.com/oobauth/server/internal/observability"
)

func quietLogger() *observability.Logger {
	return observability.NewLoggerTo(io.Discard)
}

type fakeAuth struct {
	loginResult    *auth.LoginResult
	loginErr       error
	completeResult *auth.LoginResult
	completeErr    error

	gotOrigin auth.Origin
	gotCode   string
}

func (f *fakeAuth) Login(_ context.Context, _, _ string, origin auth.Origin) (*auth.LoginResult, error) {
	f.gotOrigin = origin
	return f.loginResult, f.loginErr
}

func (f *fakeAuth) Complete(_ context.Context, code string, _ auth.Origin) (*auth.LoginResult, error) {
	f.gotCode = code
	return f.completeResult, f.completeErr
}

// fakeStatus replays a sequence of reports, repeating the last one
type fakeStatus struct {
	mu      sync.Mutex
	reports []auth.StatusReport
	err     error
	calls   int
}

func (f *fakeStatus) Status(context.Context, string) (auth.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return auth.StatusReport{}, f.err
	}
	i := f.calls
	if i >= len(f.reports) {
		i = len(f.reports) - 1
	}
	f.calls++
	return f.reports[i], nil
}

func notFound(what string) error {
	return fmt.Errorf("%s not found: %w", what, sql.ErrNoRows)
}

type memBlocks struct {
	blocks []model.DeviceBlock
}

func (m *memBlocks) IsBlocked(_ context.Context, userID uuid.UUID, ip string, now time.Time) (bool, error) {
	for _, b := range m.blocks {
		if b.UserID == userID && b.IPAddress == ip && b.ActiveAt(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memBlocks) Create(_ context.Context, b model.DeviceBlock) (model.DeviceBlock, error) {
	b.ID = uuid.New()
	b.IsActive = true
	m.blocks = append(m.blocks, b)
	return b, nil
}

func (m *memBlocks) Deactivate(_ context.Context, id uuid.UUID) error {
	for i := range m.blocks {
		if m.blocks[i].ID == id {
			m.blocks[i].IsActive = false
			return nil
		}
	}
	return notFound("device block")
}

func (m *memBlocks) Purge(_ context.Context, id uuid.UUID) error {
	for i := range m.blocks {
		if m.blocks[i].ID == id {
			m.blocks = append(m.blocks[:i], m.blocks[i+1:]...)
			return nil
		}
	}
	return notFound("device block")
}

func (m *memBlocks) ListActive(_ context.Context, now time.Time) ([]model.DeviceBlock, error) {
	var out []model.DeviceBlock
	for _, b := range m.blocks {
		if b.ActiveAt(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBlocks) GetByID(_ context.Context, id uuid.UUID) (model.DeviceBlock, error) {
	for _, b := range m.blocks {
		if b.ID == id {
			return b, nil
		}
	}
	return model.DeviceBlock{}, notFound("device block")
}

type memProfiles struct {
	profiles map[uuid.UUID]model.SecurityProfile
}

func (m *memProfiles) GetByUserID(_ context.Context, userID uuid.UUID) (model.SecurityProfile, error) {
	p, ok := m.profiles[userID]
	if !ok {
		return model.SecurityProfile{}, notFound("security profile")
	}
	return p, nil
}

func (m *memProfiles) Upsert(_ context.Context, p model.SecurityProfile) (model.SecurityProfile, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.profiles[p.UserID] = p
	return p, nil
}

func (m *memProfiles) UpdateLastLogin(context.Context, uuid.UUID, string, string, *string) error {
	return nil
}

type fakeBot struct {
	err      error
	gotToken string
}

func (f *fakeBot) GetMe(_ context.Context, token string) (telegram.User, error) {
	f.gotToken = token
	if f.err != nil {
		return telegram.User{}, f.err
	}
	return telegram.User{ID: 777, IsBot: true, FirstName: "Guard", Username: "guard_bot"}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }
