package pmr

import (
	"os"
	"strconv"

	"github.com/naoina/toml"
)

// Policy selects what the allocator does when a configured memory limit is
// exceeded (spec.md §4.1 "Failure semantics").
type Policy int

const (
	PolicyContinue Policy = iota
	PolicyRestart
	PolicyExit
)

// Exit codes from spec.md §6.
const (
	ExitNormal             = 0
	ExitMemoryDepleted     = 2
	ExitAllocatorUnrecover = 255
)

// Knobs are the environment-tunable booleans from spec.md §6.
type Knobs struct {
	DisableGC   bool `toml:"disable_gc"`
	ScribbleMem bool `toml:"scribble_mem"`
	VerifyMem   bool `toml:"verify_mem"`
	TrackMem    bool `toml:"track_mem"`
}

// Config is the root configuration for a Runtime: memory limits/policy,
// worker pool bounds and listener defaults, loadable from a TOML file and
// overridable by environment variables following the teacher's own
// env-then-file precedence.
type Config struct {
	Knobs Knobs `toml:"knobs"`

	MemWarn  uint64 `toml:"mem_warn"`
	MemMax   uint64 `toml:"mem_max"`
	MemCache uint64 `toml:"mem_cache"`
	Policy   Policy `toml:"policy"`

	MinWorkers int `toml:"min_workers"`
	MaxWorkers int `toml:"max_workers"`

	AcceptMax int `toml:"accept_max"`
}

// DefaultConfig mirrors the defaults original_source/src/mprMem.c and
// thread.c ship with.
func DefaultConfig() *Config {
	return &Config{
		MemWarn:    0,
		MemMax:     0,
		MemCache:   256 * 1024,
		Policy:     PolicyContinue,
		MinWorkers: 0,
		MaxWorkers: 10,
		AcceptMax:  -1,
	}
}

// LoadConfig reads a TOML file at path (if non-empty and it exists) over
// DefaultConfig, then applies the PMR_* environment variables from
// spec.md §6 on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, NewError("LoadConfig", KindBadSyntax, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, NewError("LoadConfig", KindCantOpen, err)
		}
	}
	applyEnvKnobs(&cfg.Knobs)
	return cfg, nil
}

func applyEnvKnobs(k *Knobs) {
	if v, ok := boolEnv("PMR_DISABLE_GC"); ok {
		k.DisableGC = v
	}
	if v, ok := boolEnv("PMR_SCRIBBLE_MEM"); ok {
		k.ScribbleMem = v
	}
	if v, ok := boolEnv("PMR_VERIFY_MEM"); ok {
		k.VerifyMem = v
	}
	if v, ok := boolEnv("PMR_TRACK_MEM"); ok {
		k.TrackMem = v
	}
}

func boolEnv(name string) (bool, bool) {
	raw, present := os.LookupEnv(name)
	if !present {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
