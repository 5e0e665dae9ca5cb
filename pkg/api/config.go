package api

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jingkaihe/fsguard/internal/errx"
)

const (
	DefaultDecisionBudget   = 2 * time.Millisecond
	DefaultMaxDelay         = 250 * time.Millisecond
	DefaultMaxReevaluations = 3
	DefaultRateWindow       = 10 * time.Second
	DefaultDelay            = 100 * time.Millisecond
	DefaultEventCapacity    = 4096
	DefaultSubscriberQueue  = 1024
	DefaultAuditRetention   = 100000
	DefaultDrainTimeout     = 2 * time.Second
)

// Intercept modes.
const (
	InterceptVFS      = "vfs"
	InterceptFUSE     = "fuse"
	InterceptFanotify = "fanotify"
)

type Config struct {
	Filter       FilterConfig    `mapstructure:"filter" json:"filter"`
	Events       EventsConfig    `mapstructure:"events" json:"events"`
	Control      ControlConfig   `mapstructure:"control" json:"control"`
	Policy       PolicyConfig    `mapstructure:"policy" json:"policy"`
	Intercept    InterceptConfig `mapstructure:"intercept" json:"intercept"`
	StateDB      string          `mapstructure:"state_db" json:"state_db,omitempty"`
	DrainTimeout time.Duration   `mapstructure:"drain_timeout" json:"drain_timeout" validate:"gt=0"`
	LogLevel     string          `mapstructure:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
}

// FilterConfig bounds the synchronous decision path.
type FilterConfig struct {
	DecisionBudget       time.Duration `mapstructure:"decision_budget" json:"decision_budget" validate:"gt=0"`
	TimeoutAction        string        `mapstructure:"timeout_action" json:"timeout_action" validate:"oneof=allow block"`
	FaultAction          string        `mapstructure:"fault_action" json:"fault_action" validate:"oneof=allow block"`
	MaxDelay             time.Duration `mapstructure:"max_delay" json:"max_delay" validate:"gt=0"`
	MaxReevaluations     int           `mapstructure:"max_reevaluations" json:"max_reevaluations" validate:"gt=0"`
	DelayExhaustedAction string        `mapstructure:"delay_exhausted_action" json:"delay_exhausted_action" validate:"oneof=allow block"`
	RateWindow           time.Duration `mapstructure:"rate_window" json:"rate_window" validate:"gt=0"`
}

type EventsConfig struct {
	Capacity           int    `mapstructure:"capacity" json:"capacity" validate:"gt=0"`
	SubscriberCapacity int    `mapstructure:"subscriber_capacity" json:"subscriber_capacity" validate:"gt=0"`
	SocketPath         string `mapstructure:"socket" json:"socket,omitempty"`
	Audit              bool   `mapstructure:"audit" json:"audit"`
	AuditRetention     int    `mapstructure:"audit_retention" json:"audit_retention" validate:"gte=0"`
	Log                bool   `mapstructure:"log" json:"log"`
}

type ControlConfig struct {
	SocketPath  string   `mapstructure:"socket" json:"socket" validate:"required"`
	AllowedUIDs []uint32 `mapstructure:"allowed_uids" json:"allowed_uids,omitempty"`
}

type PolicyConfig struct {
	Path       string `mapstructure:"path" json:"path,omitempty"`
	Watch      bool   `mapstructure:"watch" json:"watch"`
	AllowEmpty bool   `mapstructure:"allow_empty" json:"allow_empty"`
}

type InterceptConfig struct {
	Mode       string   `mapstructure:"mode" json:"mode" validate:"oneof=vfs fuse fanotify"`
	Mountpoint string   `mapstructure:"mountpoint" json:"mountpoint,omitempty" validate:"required_if=Mode fuse"`
	Backing    string   `mapstructure:"backing" json:"backing,omitempty" validate:"required_if=Mode fuse"`
	Paths      []string `mapstructure:"paths" json:"paths,omitempty" validate:"required_if=Mode fanotify"`
}

// DefaultRuntimeDir is where sockets and the state database live by default.
func DefaultRuntimeDir() string {
	if os.Geteuid() == 0 {
		return "/run/fsguard"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fsguard")
}

func DefaultConfig() *Config {
	dir := DefaultRuntimeDir()
	return &Config{
		Filter: FilterConfig{
			DecisionBudget:       DefaultDecisionBudget,
			TimeoutAction:        string(ActionAllow),
			FaultAction:          string(ActionAllow),
			MaxDelay:             DefaultMaxDelay,
			MaxReevaluations:     DefaultMaxReevaluations,
			DelayExhaustedAction: string(ActionAllow),
			RateWindow:           DefaultRateWindow,
		},
		Events: EventsConfig{
			Capacity:           DefaultEventCapacity,
			SubscriberCapacity: DefaultSubscriberQueue,
			AuditRetention:     DefaultAuditRetention,
			SocketPath:         filepath.Join(dir, "events.sock"),
			Log:                true,
		},
		Control: ControlConfig{
			SocketPath: filepath.Join(dir, "control.sock"),
		},
		Intercept: InterceptConfig{
			Mode: InterceptVFS,
		},
		StateDB:      filepath.Join(dir, "state.db"),
		DrainTimeout: DefaultDrainTimeout,
		LogLevel:     "info",
	}
}

// Merge returns a copy of c with every non-zero field of other applied on
// top. Booleans cannot be unset through Merge.
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c
	f, o := &result.Filter, other.Filter
	if o.DecisionBudget > 0 {
		f.DecisionBudget = o.DecisionBudget
	}
	if o.TimeoutAction != "" {
		f.TimeoutAction = o.TimeoutAction
	}
	if o.FaultAction != "" {
		f.FaultAction = o.FaultAction
	}
	if o.MaxDelay > 0 {
		f.MaxDelay = o.MaxDelay
	}
	if o.MaxReevaluations > 0 {
		f.MaxReevaluations = o.MaxReevaluations
	}
	if o.DelayExhaustedAction != "" {
		f.DelayExhaustedAction = o.DelayExhaustedAction
	}
	if o.RateWindow > 0 {
		f.RateWindow = o.RateWindow
	}

	if other.Events.Capacity > 0 {
		result.Events.Capacity = other.Events.Capacity
	}
	if other.Events.SubscriberCapacity > 0 {
		result.Events.SubscriberCapacity = other.Events.SubscriberCapacity
	}
	if other.Events.SocketPath != "" {
		result.Events.SocketPath = other.Events.SocketPath
	}
	result.Events.Audit = result.Events.Audit || other.Events.Audit
	if other.Events.AuditRetention > 0 {
		result.Events.AuditRetention = other.Events.AuditRetention
	}
	result.Events.Log = result.Events.Log || other.Events.Log

	if other.Control.SocketPath != "" {
		result.Control.SocketPath = other.Control.SocketPath
	}
	if other.Control.AllowedUIDs != nil {
		result.Control.AllowedUIDs = append([]uint32(nil), other.Control.AllowedUIDs...)
	}

	if other.Policy.Path != "" {
		result.Policy.Path = other.Policy.Path
	}
	result.Policy.Watch = result.Policy.Watch || other.Policy.Watch
	result.Policy.AllowEmpty = result.Policy.AllowEmpty || other.Policy.AllowEmpty

	if other.Intercept.Mode != "" {
		result.Intercept = other.Intercept
		result.Intercept.Paths = append([]string(nil), other.Intercept.Paths...)
	}
	if other.StateDB != "" {
		result.StateDB = other.StateDB
	}
	if other.DrainTimeout > 0 {
		result.DrainTimeout = other.DrainTimeout
	}
	if other.LogLevel != "" {
		result.LogLevel = other.LogLevel
	}
	return &result
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints declared in struct tags.
func (c *Config) Validate() error {
	if c == nil {
		return ErrInvalidConfig
	}
	if err := validate.Struct(c); err != nil {
		return errx.Wrap(ErrInvalidConfig, err)
	}
	return nil
}

// ResolveAction maps a config action name to an Action, falling back to
// allow for anything unrecognized.
func ResolveAction(name string) Action {
	if a, ok := ParseAction(name); ok && a != ActionDelay {
		return a
	}
	return ActionAllow
}
