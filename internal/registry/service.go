package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pilot/internal/logging"
)

// ErrAlreadyRegistered is returned when a base URL is registered twice.
var ErrAlreadyRegistered = errors.New("tool already registered for this address")

// Service ties the tool store to OpenAPI discovery.
type Service struct {
	store      *Store
	discoverer *Discoverer
	logger     *logging.Logger
}

// NewService returns a registry Service.
func NewService(store *Store, discoverer *Discoverer, logger *logging.Logger) *Service {
	return &Service{
		store:      store,
		discoverer: discoverer,
		logger:     logging.OrNop(logger),
	}
}

// Register adds a tool server by address and attempts endpoint discovery.
// An unreachable server is still registered with an empty endpoint list so
// the operator can refresh it later; the returned error is nil in that case
// and the tool simply allows no calls yet.
func (s *Service) Register(ctx context.Context, address, name string) (*Tool, error) {
	baseURL, err := NormalizeBaseURL(address)
	if err != nil {
		return nil, err
	}
	if existing, err := s.store.FindByBaseURL(ctx, baseURL); err == nil {
		return existing, fmt.Errorf("%w: %s", ErrAlreadyRegistered, existing.Name)
	} else if !errors.Is(err, ErrToolNotFound) {
		return nil, err
	}

	if strings.TrimSpace(name) == "" {
		name = baseURL
	}
	tool, err := s.store.Create(ctx, name, baseURL)
	if err != nil {
		return nil, err
	}

	disc, err := s.discoverer.Discover(ctx, baseURL)
	if err != nil {
		s.logger.Warn("tool registered offline", "tool_id", tool.ID, "base_url", baseURL, "error", err)
		return tool, nil
	}
	if err := s.store.SaveDiscovery(ctx, tool.ID, baseURL+"/docs", disc.OpenAPIURL, disc.Endpoints); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, tool.ID)
}

// Refresh re-runs discovery for an existing tool.
func (s *Service) Refresh(ctx context.Context, toolID string) (*Tool, error) {
	tool, err := s.store.Get(ctx, toolID)
	if err != nil {
		return nil, err
	}
	disc, err := s.discoverer.Discover(ctx, tool.BaseURL)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveDiscovery(ctx, tool.ID, tool.BaseURL+"/docs", disc.OpenAPIURL, disc.Endpoints); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, tool.ID)
}

// List returns all registered tools.
func (s *Service) List(ctx context.Context) ([]*Tool, error) {
	return s.store.List(ctx)
}

// SetActive toggles a tool.
func (s *Service) SetActive(ctx context.Context, toolID string, active bool) error {
	return s.store.SetActive(ctx, toolID, active)
}

// Delete removes a tool.
func (s *Service) Delete(ctx context.Context, toolID string) error {
	return s.store.Delete(ctx, toolID)
}

// Resolve returns the tool by id for execution-time lookups.
func (s *Service) Resolve(ctx context.Context, toolID string) (*Tool, error) {
	return s.store.Get(ctx, toolID)
}
