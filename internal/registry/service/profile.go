package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/repository"
)

// ProfileRepo is the persistence surface ProfileService needs.
type ProfileRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetProfile(ctx context.Context, userID uuid.UUID) (*model.Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*model.Profile, error)
	ListProfiles(ctx context.Context, limit, offset int) ([]*model.Profile, error)
	UpdateProfile(ctx context.Context, p *model.Profile) error
}

// ProfileService manages directory profiles.
type ProfileService struct {
	repo   ProfileRepo
	logger *zap.Logger
}

// NewProfileService creates a ProfileService.
func NewProfileService(repo ProfileRepo, logger *zap.Logger) *ProfileService {
	return &ProfileService{repo: repo, logger: logger}
}

// Get returns the profile for a user.
func (s *ProfileService) Get(ctx context.Context, userID uuid.UUID) (*model.Profile, error) {
	p, err := s.repo.GetProfile(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetByUsername looks a profile up case-insensitively.
func (s *ProfileService) GetByUsername(ctx context.Context, username string) (*model.Profile, error) {
	p, err := s.repo.GetProfileByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

// List returns public profiles ordered by username.
func (s *ProfileService) List(ctx context.Context, limit, offset int) ([]*model.Profile, error) {
	return s.repo.ListProfiles(ctx, limit, offset)
}

// UpdateProfileInput carries the owner-mutable profile fields. Nil
// pointers mean "leave unchanged". Username is fixed at signup.
type UpdateProfileInput struct {
	ClientName          *string   `json:"client_name"`
	ClientURI           *string   `json:"client_uri"`
	LogoURI             *string   `json:"logo_uri"`
	Contacts            *[]string `json:"contacts"`
	ExpectedUserAgent   *string   `json:"expected_user_agent"`
	RFC9309ProductToken *string   `json:"rfc9309_product_token"`
	RFC9309Compliance   *[]string `json:"rfc9309_compliance"`
	Trigger             *string   `json:"trigger"`
	Purpose             *string   `json:"purpose"`
	TargetedContent     *string   `json:"targeted_content"`
	RateControl         *string   `json:"rate_control"`
	RateExpectation     *string   `json:"rate_expectation"`
	KnownURLs           *[]string `json:"known_urls"`
	StatsPublic         *bool     `json:"stats_public"`
}

// Update applies the changed profile fields for the user.
func (s *ProfileService) Update(ctx context.Context, userID uuid.UUID, in UpdateProfileInput) (*model.Profile, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if in.ClientName != nil {
		if *in.ClientName == "" {
			return nil, fmt.Errorf("%w: client_name cannot be empty", ErrInvalidInput)
		}
		p.ClientName = *in.ClientName
	}
	if in.ClientURI != nil {
		if err := checkHTTPURL(*in.ClientURI); err != nil {
			return nil, fmt.Errorf("%w: client_uri: %v", ErrInvalidInput, err)
		}
		p.ClientURI = *in.ClientURI
	}
	if in.LogoURI != nil {
		if err := checkHTTPURL(*in.LogoURI); err != nil {
			return nil, fmt.Errorf("%w: logo_uri: %v", ErrInvalidInput, err)
		}
		p.LogoURI = *in.LogoURI
	}
	if in.Contacts != nil {
		p.Contacts = *in.Contacts
	}
	if in.ExpectedUserAgent != nil {
		p.ExpectedUserAgent = *in.ExpectedUserAgent
	}
	if in.RFC9309ProductToken != nil {
		p.RFC9309ProductToken = *in.RFC9309ProductToken
	}
	if in.RFC9309Compliance != nil {
		p.RFC9309Compliance = *in.RFC9309Compliance
	}
	if in.Trigger != nil {
		p.Trigger = *in.Trigger
	}
	if in.Purpose != nil {
		p.Purpose = *in.Purpose
	}
	if in.TargetedContent != nil {
		p.TargetedContent = *in.TargetedContent
	}
	if in.RateControl != nil {
		p.RateControl = *in.RateControl
	}
	if in.RateExpectation != nil {
		p.RateExpectation = *in.RateExpectation
	}
	if in.KnownURLs != nil {
		p.KnownURLs = *in.KnownURLs
	}
	if in.StatsPublic != nil {
		p.StatsPublic = *in.StatsPublic
	}

	if err := s.repo.UpdateProfile(ctx, p); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func checkHTTPURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	return nil
}
