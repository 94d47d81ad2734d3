// Package app wires the progression engine runtime: configuration, storage,
// governance, the event bus, house-rule validators, and session assembly.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sagaforge/progression/internal/platform/config"
	apperrors "github.com/sagaforge/progression/internal/platform/errors"
	"github.com/sagaforge/progression/internal/services/progression/domain/apply"
	"github.com/sagaforge/progression/internal/services/progression/domain/content"
	"github.com/sagaforge/progression/internal/services/progression/domain/governance"
	"github.com/sagaforge/progression/internal/services/progression/domain/session"
	"github.com/sagaforge/progression/internal/services/progression/domain/sheet"
	"github.com/sagaforge/progression/internal/services/progression/domain/steps"
	"github.com/sagaforge/progression/internal/services/progression/domain/validate"
	"github.com/sagaforge/progression/internal/services/progression/events"
	"github.com/sagaforge/progression/internal/services/progression/storage"
	"github.com/sagaforge/progression/internal/services/progression/storage/memory"
	"github.com/sagaforge/progression/internal/services/progression/storage/sqlite"
)

// Config is the engine's environment configuration.
type Config struct {
	// DBPath locates the SQLite database. Empty selects the in-memory store
	// for dry runs.
	DBPath string `env:"PROGRESSION_DB_PATH"`
	// GovernanceMode is "strict" or "permissive".
	GovernanceMode string `env:"PROGRESSION_GOVERNANCE_MODE" envDefault:"strict"`
	// RulesDir holds optional Lua house-rule scripts (*.lua), each defining
	// a check(build) function run during preview.
	RulesDir string `env:"PROGRESSION_RULES_DIR"`
	// PointBuyPool is the ability point-buy budget.
	PointBuyPool int `env:"PROGRESSION_POINT_BUY_POOL" envDefault:"25"`
}

// LoadConfig reads the engine configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Store is the combined persistence surface the engine runs on.
type Store interface {
	storage.EntityStore
	storage.FlowStateStore
	storage.ViolationStore
	Close() error
}

// Engine owns the wired progression runtime.
type Engine struct {
	cfg        Config
	provider   content.Provider
	monitor    *governance.Monitor
	bus        *events.Bus
	store      Store
	applier    *apply.Applier
	validators validate.Chain
}

// New wires the engine from configuration: event bus first, then the
// governance monitor publishing through it, then storage guarded by the
// monitor, and finally the applier holding the single mutation authority.
// Governance violations observed on the bus are persisted to the audit log.
func New(cfg Config) (*Engine, error) {
	bus := events.NewBus()

	mode := governance.ModeStrict
	if strings.EqualFold(cfg.GovernanceMode, string(governance.ModePermissive)) {
		mode = governance.ModePermissive
	}
	monitor := governance.NewMonitor(
		governance.WithMode(mode),
		governance.WithPublisher(bus.Publish),
	)

	var (
		store Store
		err   error
	)
	if strings.TrimSpace(cfg.DBPath) == "" {
		store = memory.NewStore(monitor)
	} else {
		store, err = sqlite.Open(cfg.DBPath, monitor)
		if err != nil {
			return nil, fmt.Errorf("open progression store: %w", err)
		}
	}

	applier, err := apply.New(monitor, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	validators, err := loadLuaRules(cfg.RulesDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	persistViolation := func(topic string, payload any) error {
		v, ok := payload.(governance.Violation)
		if !ok {
			return fmt.Errorf("unexpected violation payload %T", payload)
		}
		return store.AppendViolation(context.Background(), v)
	}
	bus.Subscribe(governance.TopicMutationViolation, persistViolation)
	bus.Subscribe(governance.TopicInvariantViolation, persistViolation)

	return &Engine{
		cfg:        cfg,
		provider:   content.NewCoreProvider(),
		monitor:    monitor,
		bus:        bus,
		store:      store,
		applier:    applier,
		validators: validators,
	}, nil
}

// Close releases the engine's storage.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Bus exposes the engine's event bus for external listeners.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Provider exposes the content rule tables.
func (e *Engine) Provider() content.Provider {
	return e.provider
}

// Violations lists persisted governance violations for one subject, or all
// when subjectRef is empty.
func (e *Engine) Violations(ctx context.Context, subjectRef string) ([]governance.Violation, error) {
	return e.store.ListViolations(ctx, subjectRef)
}

// GetEntity loads one committed entity.
func (e *Engine) GetEntity(ctx context.Context, entityID string) (*sheet.Entity, error) {
	return e.store.GetEntity(ctx, entityID)
}

// CreateEntity registers a fresh entity.
func (e *Engine) CreateEntity(ctx context.Context, entityID, name string) (*sheet.Entity, error) {
	entity := sheet.NewEntity(entityID, name)
	if err := e.store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// GetOrCreateEntity loads an entity, creating it when missing.
func (e *Engine) GetOrCreateEntity(ctx context.Context, entityID, name string) (*sheet.Entity, error) {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err == nil {
		return entity, nil
	}
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, err
	}
	return e.CreateEntity(ctx, entityID, name)
}

// OpenSession assembles a staging session and its step flow controller for
// one entity, resuming any persisted flow position.
func (e *Engine) OpenSession(ctx context.Context, entityID string, mode steps.Mode) (*session.Session, *steps.Controller, error) {
	entity, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, nil, err
	}

	flow, err := steps.NewController(entityID, mode, e.store, e.bus)
	if err != nil {
		return nil, nil, err
	}
	if err := flow.Resume(ctx); err != nil {
		return nil, nil, err
	}

	s := session.New(entity, e.provider, e.applier,
		session.WithValidators(e.validators),
		session.WithBus(e.bus),
		session.WithFlow(flow),
		session.WithPointBuyPool(e.cfg.PointBuyPool),
	)
	return s, flow, nil
}

// loadLuaRules wraps every *.lua file in dir as a house-rule validator.
// An empty dir name means no house rules.
func loadLuaRules(dir string) (validate.Chain, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var chain validate.Chain
	for _, name := range names {
		script, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read rule %s: %w", name, err)
		}
		chain = append(chain, validate.NewLuaRule(strings.TrimSuffix(name, ".lua"), string(script)))
		log.Printf("progression: loaded house rule %s", name)
	}
	return chain, nil
}
