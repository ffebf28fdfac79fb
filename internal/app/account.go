package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/provider/rest"
	"github.com/lu-zhengda/mailsync/internal/store"
)

// Credentials persists the session token of an owner.
type Credentials interface {
	SaveToken(ownerID string, token *oauth2.Token) error
	DeleteToken(ownerID string) error
}

// AccountService manages the signed-in session and the cached profile.
type AccountService struct {
	store  store.Store
	remote provider.Gateway
	creds  Credentials
	opts   Options
	log    logrus.FieldLogger
}

// NewAccountService creates an AccountService.
func NewAccountService(s store.Store, remote provider.Gateway, creds Credentials, opts Options) *AccountService {
	opts = opts.withDefaults()
	return &AccountService{store: s, remote: remote, creds: creds, opts: opts, log: opts.Logger.WithField("pkg", "account")}
}

// Login signs in, stores the session token and caches the profile. The
// owner id is the configured one, or the profile's email when unset.
func (a *AccountService) Login(ctx context.Context, email, password string) (*domain.Profile, string, error) {
	session, err := a.remote.Login(ctx, email, password)
	if err != nil {
		return nil, "", fmt.Errorf("failed to log in as %s: %w", email, err)
	}
	profile := session.Profile
	if profile.Email == "" {
		profile.Email = email
	}
	if profile.ID == "" {
		profile.ID = profile.Email
	}

	owner := a.opts.OwnerID
	if owner == "" {
		owner = profile.Email
	}
	if err := a.creds.SaveToken(owner, rest.SessionToken(session, a.opts.Now())); err != nil {
		return nil, "", err
	}
	if err := a.store.SaveProfile(ctx, &profile); err != nil {
		return nil, "", fmt.Errorf("failed to cache profile: %w", err)
	}
	a.log.WithField("owner", owner).Info("Logged in")
	return &profile, owner, nil
}

// Logout forgets the session token and the cached profile. Local mail is
// kept.
func (a *AccountService) Logout(ctx context.Context) error {
	if err := a.creds.DeleteToken(a.opts.OwnerID); err != nil {
		return err
	}
	if err := a.store.ClearProfile(ctx); err != nil {
		return fmt.Errorf("failed to clear profile: %w", err)
	}
	a.log.WithField("owner", a.opts.OwnerID).Info("Logged out")
	return nil
}

// Profile returns the cached profile.
func (a *AccountService) Profile(ctx context.Context) (*domain.Profile, error) {
	p, err := a.store.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// RefreshProfile fetches the profile from the server and caches it.
func (a *AccountService) RefreshProfile(ctx context.Context) (*domain.Profile, error) {
	p, err := a.remote.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	if err := a.store.SaveProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to cache profile: %w", err)
	}
	return p, nil
}
