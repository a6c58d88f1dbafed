package model

import (
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	FormatJSON = "json"
	FormatText = "text"

	DefaultHealthURL = "http://127.0.0.1:8000/health"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Backend   *Backend   `json:"backend,omitempty" yaml:"backend,omitempty"`
	Readiness *Readiness `json:"readiness,omitempty" yaml:"readiness,omitempty"`
	Journal   *Journal   `json:"journal,omitempty" yaml:"journal,omitempty"`
	Service   Service    `json:"service" yaml:"service"`
}

// Backend describes where the backend may live and how to start it.
type Backend struct {
	SearchPaths  []string          `json:"search_paths,omitempty" yaml:"search_paths,omitempty"` // checked before the built-in layout
	DirName      string            `json:"dir_name,omitempty" yaml:"dir_name,omitempty"`
	DevSubdir    string            `json:"dev_subdir,omitempty" yaml:"dev_subdir,omitempty"`
	Markers      []string          `json:"markers,omitempty" yaml:"markers,omitempty"`
	EntryPoints  []string          `json:"entry_points,omitempty" yaml:"entry_points,omitempty"`
	Interpreters []string          `json:"interpreters,omitempty" yaml:"interpreters,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Readiness configures the health probe of the backend.
type Readiness struct {
	URL      string   `json:"url,omitempty" yaml:"url,omitempty"`
	Timeout  string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`   // per probe
	Interval string   `json:"interval,omitempty" yaml:"interval,omitempty"` // between startup probes
	Deadline string   `json:"deadline,omitempty" yaml:"deadline,omitempty"` // startup wait
	Monitor  *Monitor `json:"monitor,omitempty" yaml:"monitor,omitempty"`
}

// Monitor is the periodic status probe. Cron wins over Duration.
type Monitor struct {
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Journal struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // empty => xdg state dir
}

type Service struct {
	Verbose *bool  `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Format  string `json:"format,omitempty" yaml:"format,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig is the configuration written on the first start.
func DefaultConfig() Config {
	enabled := true
	verbose := false
	return Config{
		Version: 0,
		Backend: &Backend{
			DirName:      "backend",
			DevSubdir:    "src-tauri/backend",
			Markers:      []string{"main.py", "start_backend.py"},
			EntryPoints:  []string{"start_backend.py", "main.py"},
			Interpreters: DefaultInterpreters(),
			Env:          map[string]string{"PYTHONUNBUFFERED": "1"},
		},
		Readiness: &Readiness{
			URL:      DefaultHealthURL,
			Timeout:  "2s",
			Interval: "500ms",
			Deadline: "60s",
			Monitor: &Monitor{
				Enabled:  &enabled,
				Duration: "10s",
			},
		},
		Journal: &Journal{
			Enabled: &enabled,
		},
		Service: Service{
			Verbose: &verbose,
			Log:     LogStderr,
			Format:  FormatJSON,
		},
	}
}

// DefaultInterpreters follows the platform convention: a versioned command
// before the unversioned alias.
func DefaultInterpreters() []string {
	if runtime.GOOS == "windows" {
		return []string{"python", "py"}
	}
	return []string{"python3", "python"}
}

// ReadinessTimings returns parsed readiness durations with defaults applied
// for missing values.
func (c Config) ReadinessTimings() (timeout, interval, deadline time.Duration, err error) {
	timeout, interval, deadline = 2*time.Second, 500*time.Millisecond, 60*time.Second
	r := c.Readiness
	if r == nil {
		return
	}
	for _, x := range []struct {
		s   string
		dst *time.Duration
	}{
		{r.Timeout, &timeout},
		{r.Interval, &interval},
		{r.Deadline, &deadline},
	} {
		if x.s == "" {
			continue
		}
		*x.dst, err = ParseDuration(x.s)
		if err != nil {
			return
		}
	}
	return
}

// HealthURL returns the configured health endpoint or the default one.
func (c Config) HealthURL() string {
	if c.Readiness != nil && c.Readiness.URL != "" {
		return c.Readiness.URL
	}
	return DefaultHealthURL
}

func (c Config) Verbose() bool {
	return get(c.Service.Verbose)
}

// MonitorEnabled defaults to true.
func (c Config) MonitorEnabled() bool {
	if c.Readiness == nil || c.Readiness.Monitor == nil || c.Readiness.Monitor.Enabled == nil {
		return true
	}
	return *c.Readiness.Monitor.Enabled
}

// JournalEnabled defaults to true.
func (c Config) JournalEnabled() bool {
	if c.Journal == nil || c.Journal.Enabled == nil {
		return true
	}
	return *c.Journal.Enabled
}

func get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

// Environ returns the process environment extended with the configured
// backend variables. Values starting with $ are expanded, names are kept as
// written.
func (b *Backend) Environ() []string {
	env := os.Environ()
	if b == nil {
		return env
	}
	keys := make([]string, 0, len(b.Env))
	for k := range b.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := b.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

// MonitorSchedule returns the monitor cron expression and duration, both
// empty when not configured.
func (c Config) MonitorSchedule() (cron, duration string) {
	if c.Readiness == nil || c.Readiness.Monitor == nil {
		return "", ""
	}
	return c.Readiness.Monitor.Cron, c.Readiness.Monitor.Duration
}

// JournalPath returns the configured journal location, empty for the default.
func (c Config) JournalPath() string {
	if c.Journal == nil {
		return ""
	}
	return c.Journal.Path
}
