package tap

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-tap/pkg/config"
	"github.com/polisai/polis-tap/pkg/domain"
)

// Extension is one tap point in the data path. It holds the active Config, which is
// swapped atomically; sessions keep the Config they started with.
type Extension struct {
	id       string
	protocol domain.Protocol
	configID string
	current  atomic.Pointer[Config]
}

// NewStaticExtension returns an extension configured from the tap file.
func NewStaticExtension(id string, protocol domain.Protocol, cfg *Config) *Extension {
	e := &Extension{id: id, protocol: protocol}
	e.current.Store(cfg)
	return e
}

// NewAdminExtension returns an extension that stays inactive until a config is attached
// through the admin endpoint under configID.
func NewAdminExtension(id string, protocol domain.Protocol, configID string) *Extension {
	return &Extension{id: id, protocol: protocol, configID: configID}
}

// ID returns the extension id.
func (e *Extension) ID() string { return e.id }

// Protocol returns the traffic kind the extension taps.
func (e *Extension) Protocol() domain.Protocol { return e.protocol }

// ConfigID returns the admin config id, empty for static extensions.
func (e *Extension) ConfigID() string { return e.configID }

// IsAdmin reports whether the extension is configured through the admin endpoint.
func (e *Extension) IsAdmin() bool { return e.configID != "" }

// Config returns the active config, or nil when the extension is inactive.
func (e *Extension) Config() *Config { return e.current.Load() }

// Attach activates cfg on an admin extension. Only one config may be attached at a time.
func (e *Extension) Attach(cfg *Config) error {
	if !e.IsAdmin() {
		return fmt.Errorf("%w: %s", domain.ErrExtensionNotAdmin, e.id)
	}
	if !e.current.CompareAndSwap(nil, cfg) {
		return fmt.Errorf("%w: %s", domain.ErrExtensionBusy, e.configID)
	}
	return nil
}

// Detach deactivates cfg if it is still the attached config.
func (e *Extension) Detach(cfg *Config) {
	e.current.CompareAndSwap(cfg, nil)
}

func (e *Extension) update(cfg *Config) {
	e.current.Store(cfg)
}

// Start evaluates the active config's matcher against attrs and, on a match, starts a
// session. It returns nil when the extension is inactive or the traffic does not match.
func (e *Extension) Start(attrs domain.Attributes) *Session {
	cfg := e.current.Load()
	if cfg == nil || !cfg.Matches(attrs) {
		return nil
	}
	return cfg.NewSession(cfg.KindFor(e.protocol), NextTraceID())
}

// Registry indexes the extensions built from the tap file. Lookups read an immutable
// snapshot; Apply swaps in a new one.
type Registry struct {
	mu      sync.Mutex
	state   atomic.Pointer[registryState]
	logger  *slog.Logger
	metrics *Metrics
}

type registryState struct {
	byID       map[string]*Extension
	byConfigID map[string]*Extension
	ordered    []*Extension
}

// NewRegistry returns an empty registry. Configs it builds log to logger and record into
// metrics, either of which may be nil.
func NewRegistry(logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger, metrics: metrics}
	r.state.Store(&registryState{
		byID:       map[string]*Extension{},
		byConfigID: map[string]*Extension{},
	})
	return r
}

// Options returns the construction options configs built for this registry should use.
func (r *Registry) Options() []Option {
	return []Option{WithLogger(r.logger), WithMetrics(r.metrics)}
}

// Metrics returns the metrics configs record into.
func (r *Registry) Metrics() *Metrics { return r.metrics }

// Get returns the extension with id.
func (r *Registry) Get(id string) (*Extension, bool) {
	ext, ok := r.state.Load().byID[id]
	return ext, ok
}

// ByConfigID returns the admin extension bound to configID.
func (r *Registry) ByConfigID(configID string) (*Extension, error) {
	ext, ok := r.state.Load().byConfigID[configID]
	if !ok {
		return nil, fmt.Errorf("%w: config_id %q", domain.ErrExtensionNotFound, configID)
	}
	return ext, nil
}

// Extensions returns every extension ordered by id.
func (r *Registry) Extensions() []*Extension {
	return r.state.Load().ordered
}

// ForProtocol returns the extensions tapping protocol, ordered by id.
func (r *Registry) ForProtocol(protocol domain.Protocol) []*Extension {
	var out []*Extension
	for _, ext := range r.state.Load().ordered {
		if ext.protocol == protocol {
			out = append(out, ext)
		}
	}
	return out
}

// Apply builds every static config in file and, only if all of them are valid, makes the
// file's extension set current. Static configs never use the admin sink, so they are
// built without an admin streamer. Admin extensions whose id, protocol and config id are
// unchanged are carried over with their attachment intact.
func (r *Registry) Apply(file *config.TapFile) error {
	if err := file.Validate(); err != nil {
		r.metrics.RecordConfigReload("error")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.state.Load()
	next := &registryState{
		byID:       make(map[string]*Extension, len(file.Taps)),
		byConfigID: make(map[string]*Extension),
	}

	var errs []error
	pending := make(map[*Extension]*Config)
	for _, spec := range file.Taps {
		old := prev.byID[spec.ID]

		if spec.AdminConfig != nil {
			ext := old
			if ext == nil || ext.protocol != spec.Protocol || ext.configID != spec.AdminConfig.ConfigID {
				ext = NewAdminExtension(spec.ID, spec.Protocol, spec.AdminConfig.ConfigID)
			}
			next.byID[spec.ID] = ext
			next.byConfigID[ext.configID] = ext
			continue
		}

		cfg, err := NewConfig(*spec.StaticConfig, nil, r.Options()...)
		if err != nil {
			errs = append(errs, fmt.Errorf("tap %s: %w", spec.ID, err))
			continue
		}
		ext := old
		if ext == nil || ext.IsAdmin() || ext.protocol != spec.Protocol {
			ext = NewStaticExtension(spec.ID, spec.Protocol, cfg)
		} else {
			pending[ext] = cfg
		}
		next.byID[spec.ID] = ext
	}

	if err := errors.Join(errs...); err != nil {
		r.metrics.RecordConfigReload("error")
		return err
	}

	for ext, cfg := range pending {
		ext.update(cfg)
	}
	for id, ext := range prev.byID {
		if next.byID[id] != ext {
			// Removed or replaced extensions stop starting sessions.
			ext.current.Store(nil)
		}
	}

	next.ordered = make([]*Extension, 0, len(next.byID))
	for _, ext := range next.byID {
		next.ordered = append(next.ordered, ext)
	}
	sort.Slice(next.ordered, func(i, j int) bool { return next.ordered[i].id < next.ordered[j].id })

	r.state.Store(next)
	r.metrics.RecordConfigReload("success")
	r.logger.Info("Tap extensions applied", "extensions", len(next.ordered), "admin", len(next.byConfigID))
	return nil
}
