package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cache-pilot/cache-pilot/pkg/category"
)

const (
	environmentKey = "config:environment"
	categoriesKey  = "config:categories"

	// builtinVersion marks snapshot parts that came from compiled-in
	// defaults rather than the durable store.
	builtinVersion = "builtin"

	defaultEnvironmentTTL = 10 * time.Second
	defaultCategoriesTTL  = 30 * time.Second
)

var (
	// ErrValidation reports a document that failed schema or semantic checks.
	ErrValidation = errors.New("validation failed")
	// ErrStore reports a durable provider failure.
	ErrStore = errors.New("storage error")
	// ErrNotFound reports a missing category on targeted operations.
	ErrNotFound = errors.New("not found")
)

// Config for creating a store.
type Config struct {
	// Provider is the durable layer. Required.
	Provider KVProvider
	// EnvironmentTTL bounds how long the fast layer serves the environment
	// without consulting the provider. Defaults to 10 seconds.
	EnvironmentTTL time.Duration
	// CategoriesTTL is the initial bound for the category list. Once an
	// environment loads, its refresh interval takes over. Defaults to 30
	// seconds.
	CategoriesTTL time.Duration
	Logger        *zerolog.Logger
	// OnStaleServe, when set, is called each time a load failure leaves a
	// previous document serving.
	OnStaleServe func()
}

// Store reads configuration through a fast in-process layer and writes it
// through to the durable provider. Reads never fail: when the provider is
// unreachable the previous snapshot is served, and when nothing was ever
// loaded the compiled-in defaults are.
type Store struct {
	kv             KVProvider
	log            zerolog.Logger
	environmentTTL time.Duration
	categoriesTTL  time.Duration
	onStale        func()

	snapshot  atomic.Pointer[snapshotState]
	refreshMu sync.Mutex
	writeMu   sync.Mutex
}

type snapshotState struct {
	snap          category.Snapshot
	envMeta       Metadata
	catsMeta      Metadata
	envFetchedAt  time.Time
	catsFetchedAt time.Time
	catsTTL       time.Duration
}

// CreateStore initializes a store on top of the given provider.
func CreateStore(config Config) *Store {
	if config.Provider == nil {
		panic("configstore: provider is required")
	}
	if config.EnvironmentTTL <= 0 {
		config.EnvironmentTTL = defaultEnvironmentTTL
	}
	if config.CategoriesTTL <= 0 {
		config.CategoriesTTL = defaultCategoriesTTL
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Store{
		kv:             config.Provider,
		log:            logger,
		environmentTTL: config.EnvironmentTTL,
		categoriesTTL:  config.CategoriesTTL,
		onStale:        config.OnStaleServe,
	}
}

// Snapshot returns a consistent environment plus category list. The snapshot
// is immutable; callers may hold it across a whole request.
func (s *Store) Snapshot() category.Snapshot {
	now := time.Now()
	state := s.snapshot.Load()
	if state != nil && !s.expired(state, now) {
		return state.snap
	}
	return s.refresh(now)
}

// Environment returns the current environment settings.
func (s *Store) Environment() category.Environment {
	return s.Snapshot().Environment
}

// Categories returns the current ordered category list.
func (s *Store) Categories() category.Set {
	return s.Snapshot().Categories
}

// Category returns the named stored category. The reserved default category
// is synthesized by the classifier and never stored, so it is not found here.
func (s *Store) Category(name string) (category.Named, bool) {
	for _, named := range s.Snapshot().Categories {
		if named.Name == name {
			return named, true
		}
	}
	return category.Named{}, false
}

// ForceRefresh drops the fast layer and reloads from the provider.
func (s *Store) ForceRefresh() {
	s.invalidate()
	s.Snapshot()
}

func (s *Store) invalidate() {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if state := s.snapshot.Load(); state != nil {
		stale := *state
		stale.envFetchedAt = time.Time{}
		stale.catsFetchedAt = time.Time{}
		s.snapshot.Store(&stale)
	}
}

func (s *Store) expired(state *snapshotState, now time.Time) bool {
	return now.Sub(state.envFetchedAt) >= s.environmentTTL ||
		now.Sub(state.catsFetchedAt) >= state.catsTTL
}

func (s *Store) servedStale() {
	if s.onStale != nil {
		s.onStale()
	}
}

// refresh rebuilds the fast layer from the provider and swaps it in whole.
// Load failures keep the previous part and are retried after the next TTL,
// so a down provider costs one attempt per interval, not one per request.
func (s *Store) refresh(now time.Time) category.Snapshot {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	prev := s.snapshot.Load()
	if prev != nil && !s.expired(prev, now) {
		return prev.snap
	}

	var next snapshotState
	if prev != nil {
		next = *prev
	} else {
		next.catsTTL = s.categoriesTTL
	}

	if prev == nil || now.Sub(prev.envFetchedAt) >= s.environmentTTL {
		env, meta, err := s.loadEnvironment()
		switch {
		case err == nil:
			next.snap.Environment = env
			next.envMeta = meta
		case prev != nil:
			s.log.Warn().Err(err).Msg("environment refresh failed, serving previous")
			s.servedStale()
		default:
			s.log.Error().Err(err).Msg("environment unavailable, using built-in defaults")
			next.snap.Environment = category.DefaultEnvironment()
			next.envMeta = Metadata{Version: builtinVersion}
		}
		next.envFetchedAt = now
		if secs := next.snap.Environment.RefreshIntervalSeconds; secs > 0 {
			next.catsTTL = time.Duration(secs) * time.Second
		}
	}

	if prev == nil || now.Sub(prev.catsFetchedAt) >= next.catsTTL {
		set, meta, err := s.loadCategories()
		switch {
		case err == nil:
			next.snap.Categories = set
			next.catsMeta = meta
		case prev != nil:
			s.log.Warn().Err(err).Msg("category refresh failed, serving previous")
			s.servedStale()
		default:
			s.log.Error().Err(err).Msg("categories unavailable, using built-in defaults")
			next.snap.Categories = category.DefaultSet()
			next.catsMeta = Metadata{Version: builtinVersion}
		}
		next.catsFetchedAt = now
	}

	next.snap.Version = next.envMeta.Version + "+" + next.catsMeta.Version
	s.snapshot.Store(&next)
	return next.snap
}

func (s *Store) loadEnvironment() (category.Environment, Metadata, error) {
	value, meta, ok, err := s.kv.GetWithMetadata(environmentKey)
	if err != nil {
		return category.Environment{}, Metadata{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !ok {
		return category.DefaultEnvironment(), Metadata{Version: builtinVersion}, nil
	}
	env, err := decodeEnvironment(value)
	if err != nil {
		return category.Environment{}, Metadata{}, err
	}
	return env, meta, nil
}

func (s *Store) loadCategories() (category.Set, Metadata, error) {
	value, meta, ok, err := s.kv.GetWithMetadata(categoriesKey)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !ok {
		return category.DefaultSet(), Metadata{Version: builtinVersion}, nil
	}
	set, err := decodeCategories(value)
	if err != nil {
		return nil, Metadata{}, err
	}
	return set, meta, nil
}

// decodeEnvironment checks a raw document and fills omitted fields from the
// built-in defaults, so stored documents only need to carry what they change.
func decodeEnvironment(document []byte) (category.Environment, error) {
	if err := ValidateEnvironmentJSON(document); err != nil {
		return category.Environment{}, err
	}
	env := category.DefaultEnvironment()
	if err := json.Unmarshal(document, &env); err != nil {
		return category.Environment{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := env.Validate(); err != nil {
		return category.Environment{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return env, nil
}

func decodeCategories(document []byte) (category.Set, error) {
	if err := ValidateCategoriesJSON(document); err != nil {
		return nil, err
	}
	var set category.Set
	if err := json.Unmarshal(document, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := set.Compile(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return set, nil
}

func newMetadata() Metadata {
	return Metadata{
		Version:   uuid.New().String(),
		UpdatedAt: time.Now().UTC(),
	}
}

// SaveEnvironment validates and writes the environment through to the
// provider, then reloads the fast layer so the change is visible immediately.
func (s *Store) SaveEnvironment(env category.Environment) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.kv.Put(environmentKey, value, newMetadata()); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	s.ForceRefresh()
	return nil
}

// SaveEnvironmentJSON accepts a raw document, as the admin API receives it.
func (s *Store) SaveEnvironmentJSON(document []byte) (category.Environment, error) {
	env, err := decodeEnvironment(document)
	if err != nil {
		return category.Environment{}, err
	}
	return env, s.SaveEnvironment(env)
}

// SaveCategories validates and writes the whole ordered list. The list order
// is the classification priority, so replacing the list is how categories are
// reordered.
func (s *Store) SaveCategories(set category.Set) error {
	if err := set.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	value, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.kv.Put(categoriesKey, value, newMetadata()); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	s.ForceRefresh()
	return nil
}

// SaveCategoriesJSON accepts a raw document, as the admin API receives it.
func (s *Store) SaveCategoriesJSON(document []byte) (category.Set, error) {
	set, err := decodeCategories(document)
	if err != nil {
		return nil, err
	}
	return set, s.SaveCategories(set)
}

// SaveCategory upserts one category. An existing category keeps its position
// in the list; a new one is appended, which makes it the lowest priority.
func (s *Store) SaveCategory(named category.Named) error {
	if named.Name == category.Default {
		return fmt.Errorf("%w: category name %q is reserved", ErrValidation, named.Name)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	set, err := s.durableCategories()
	if err != nil {
		return err
	}
	replaced := false
	for i := range set {
		if set[i].Name == named.Name {
			set[i] = named
			replaced = true
			break
		}
	}
	if !replaced {
		set = append(set, named)
	}
	return s.putCategories(set)
}

// DeleteCategory removes one category from the list.
func (s *Store) DeleteCategory(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	set, err := s.durableCategories()
	if err != nil {
		return err
	}
	kept := make(category.Set, 0, len(set))
	for _, named := range set {
		if named.Name != name {
			kept = append(kept, named)
		}
	}
	if len(kept) == len(set) {
		return fmt.Errorf("%w: category %q", ErrNotFound, name)
	}
	return s.putCategories(kept)
}

// durableCategories reads the list straight from the provider, bypassing the
// fast layer, so read-modify-write operations see the latest stored state.
// An absent key starts from the built-in defaults, so the first targeted
// write materializes them.
func (s *Store) durableCategories() (category.Set, error) {
	value, _, ok, err := s.kv.GetWithMetadata(categoriesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if !ok {
		return category.DefaultSet(), nil
	}
	return decodeCategories(value)
}

func (s *Store) putCategories(set category.Set) error {
	if err := set.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	value, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.kv.Put(categoriesKey, value, newMetadata()); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	s.ForceRefresh()
	return nil
}

// Seed writes the given configuration unless the provider already holds one.
// With force set, existing documents are overwritten.
func (s *Store) Seed(env category.Environment, set category.Set, force bool) error {
	if !force {
		_, envOK, err := s.kv.Get(environmentKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		_, catsOK, err := s.kv.Get(categoriesKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if envOK || catsOK {
			s.log.Debug().Msg("configuration already present, not seeding")
			return nil
		}
	}
	if err := s.SaveEnvironment(env); err != nil {
		return err
	}
	if err := s.SaveCategories(set); err != nil {
		return err
	}
	s.log.Info().Str("environment", env.Name).Int("categories", len(set)).Msg("configuration seeded")
	return nil
}
