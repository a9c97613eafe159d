package flows

import (
	"context"
	"time"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Refresh.ParseRefresh != nil && s.deps.Refresh.Ledger != nil
}

func (s Service) Login(ctx context.Context, p Principal) LoginResult {
	return RunLogin(ctx, p, s.deps.Login)
}

func (s Service) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	return RunRefresh(ctx, refreshToken, s.deps.Refresh)
}

func (s Service) Logout(ctx context.Context, refreshToken string) LogoutResult {
	return RunLogout(ctx, refreshToken, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, principalID string) (int, error) {
	return RunLogoutAll(ctx, principalID, s.deps.Logout)
}

func (s Service) FamilyInfo(ctx context.Context, familyID string) (*FamilyInfo, error) {
	return RunFamilyInfo(ctx, familyID, s.deps.Introspection)
}

func (s Service) Health(ctx context.Context) (bool, time.Duration) {
	return RunHealth(ctx, s.deps.Introspection)
}
