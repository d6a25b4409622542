package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/postpilot/internal/model"
)

// Adapter performs platform API calls. Each method returns the response data of one call.
type Adapter interface {
	GenerateContent(ctx context.Context, task *model.Task) (map[string]interface{}, error)
	GenerateImage(ctx context.Context, task *model.Task) (map[string]interface{}, error)
	PostContent(ctx context.Context, task *model.Task) (map[string]interface{}, error)
	AnalyzeMetrics(ctx context.Context, task *model.Task) (map[string]interface{}, error)
	DeletePost(ctx context.Context, task *model.Task) (map[string]interface{}, error)
	SchedulePost(ctx context.Context, task *model.Task) (map[string]interface{}, error)
}

// SessionRefresher is implemented by adapters that can renew their credentials
type SessionRefresher interface {
	RefreshSession(ctx context.Context) error
}

// AdapterConfig configures one adapter instance
type AdapterConfig struct {
	Platform string
	BaseURL  string
	Token    string
	Timeout  time.Duration
}

// Factory builds an adapter
type Factory func(cfg AdapterConfig, logger *zap.Logger) (Adapter, error)

// Registry maps adapter names to factories. It is constructed and passed explicitly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlatform, name)
	}
	r.factories[name] = factory
	return nil
}

// New builds an adapter with the factory registered under name
func (r *Registry) New(name string, cfg AdapterConfig, logger *zap.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}

	adapter, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", name, err)
	}
	return adapter, nil
}

// Names returns the registered adapter names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
