// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Config of a CachedOp.
type Config struct {
	// StaticAlloc keeps the buffers of the intermediate entries across calls, instead of
	// allocating them for every call.
	StaticAlloc bool

	// StaticShape assumes the inputs keep their shapes across calls: kernels are bound to their
	// buffers once and grouped in bulk segments. It requires StaticAlloc.
	StaticShape bool

	// ForwardBulkSize and BackwardBulkSize are the maximum number of operations merged into one
	// engine operation during forward and backward calls.
	ForwardBulkSize  int
	BackwardBulkSize int

	// InlineLimit is the maximum number of operator nodes for a stateless graph to be inlined:
	// recorded calls keep only the inputs, and Backward recomputes the forward. Only used without
	// StaticAlloc.
	InlineLimit int

	// DataIndices are the inputs that change every call. Defaults to all inputs.
	DataIndices []int

	// ParamIndices are the inputs that rarely change (weights). With StaticShape they are
	// bound into the state and changing them forces re-binding the kernels.
	ParamIndices []int
}

// Environment variables used by DefaultConfig.
const (
	ForwardBulkSizeEnv  = "CACHEDOP_FORWARD_BULK_SIZE"
	BackwardBulkSizeEnv = "CACHEDOP_BACKWARD_BULK_SIZE"
	InlineLimitEnv      = "CACHEDOP_INLINE_LIMIT"
)

// Config keys accepted by ParseConfig and ConfigFromFlags.
const (
	KeyStaticAlloc      = "static_alloc"
	KeyStaticShape      = "static_shape"
	KeyForwardBulkSize  = "forward_bulk_size"
	KeyBackwardBulkSize = "backward_bulk_size"
	KeyInlineLimit      = "inline_limit"
	KeyDataIndices      = "data_indices"
	KeyParamIndices     = "param_indices"
)

func envInt(name string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse $%s=%q as an int", name, value)
	}
	return v, nil
}

// DefaultConfig returns the default configuration: dynamic allocation, bulk sizes of 15 and an
// inline limit of 2. The bulk sizes and the inline limit can be changed with the environment
// variables CACHEDOP_FORWARD_BULK_SIZE, CACHEDOP_BACKWARD_BULK_SIZE and CACHEDOP_INLINE_LIMIT.
//
// It returns an error if one of the environment variables is set but is not an integer.
func DefaultConfig() (cfg Config, err error) {
	if cfg.ForwardBulkSize, err = envInt(ForwardBulkSizeEnv, 15); err != nil {
		return Config{}, err
	}
	if cfg.BackwardBulkSize, err = envInt(BackwardBulkSizeEnv, 15); err != nil {
		return Config{}, err
	}
	if cfg.InlineLimit, err = envInt(InlineLimitEnv, 2); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration, without knowing the graph.
func (c Config) Validate() error {
	if c.StaticShape && !c.StaticAlloc {
		return errors.Errorf("%s=true requires %s=true", KeyStaticShape, KeyStaticAlloc)
	}
	if c.InlineLimit < 0 {
		return errors.Errorf("%s must be >= 0, got %d", KeyInlineLimit, c.InlineLimit)
	}
	for _, idx := range slices.Concat(c.DataIndices, c.ParamIndices) {
		if idx < 0 {
			return errors.Errorf("negative input index %d in %s/%s", idx, KeyDataIndices, KeyParamIndices)
		}
	}
	return nil
}

// resolveIndices fills in the default DataIndices and checks that data and param indices
// partition the inputs.
func (c *Config) resolveIndices(numInputs int) error {
	if len(c.DataIndices) == 0 {
		c.DataIndices = make([]int, 0, numInputs)
		for ii := range numInputs {
			if !slices.Contains(c.ParamIndices, ii) {
				c.DataIndices = append(c.DataIndices, ii)
			}
		}
	}
	if len(c.DataIndices)+len(c.ParamIndices) != numInputs {
		return errors.Errorf("%s (%d) and %s (%d) must cover the %d inputs", KeyDataIndices, len(c.DataIndices),
			KeyParamIndices, len(c.ParamIndices), numInputs)
	}
	seen := make([]bool, numInputs)
	for _, idx := range slices.Concat(c.DataIndices, c.ParamIndices) {
		if idx >= numInputs {
			return errors.Errorf("input index %d out of range, graph has %d inputs", idx, numInputs)
		}
		if seen[idx] {
			return errors.Errorf("input index %d listed more than once in %s/%s", idx, KeyDataIndices, KeyParamIndices)
		}
		seen[idx] = true
	}
	return nil
}

// ParseConfig parses settings in the format "key1=value1;key2=value2", starting from the
// DefaultConfig. Index lists are comma separated: "param_indices=1,2".
func ParseConfig(settings string) (Config, error) {
	flags := orderedmap.New[string, string]()
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		key, value, found := strings.Cut(setting, "=")
		if !found {
			return Config{}, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
		}
		flags.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return ConfigFromFlags(flags)
}

// ConfigFromFlags returns the DefaultConfig updated with the flags, applied in order.
func ConfigFromFlags(flags *orderedmap.OrderedMap[string, string]) (Config, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}
	for pair := flags.Oldest(); pair != nil; pair = pair.Next() {
		if err := cfg.set(pair.Key, pair.Value); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) set(key, value string) (err error) {
	switch key {
	case KeyStaticAlloc:
		c.StaticAlloc, err = strconv.ParseBool(strings.ToLower(value))
	case KeyStaticShape:
		c.StaticShape, err = strconv.ParseBool(strings.ToLower(value))
	case KeyForwardBulkSize:
		c.ForwardBulkSize, err = strconv.Atoi(strings.ReplaceAll(value, "_", ""))
	case KeyBackwardBulkSize:
		c.BackwardBulkSize, err = strconv.Atoi(strings.ReplaceAll(value, "_", ""))
	case KeyInlineLimit:
		c.InlineLimit, err = strconv.Atoi(strings.ReplaceAll(value, "_", ""))
	case KeyDataIndices:
		c.DataIndices, err = parseIndices(value)
	case KeyParamIndices:
		c.ParamIndices, err = parseIndices(value)
	default:
		return errors.Errorf("unknown config key %q", key)
	}
	return errors.Wrapf(err, "failed to parse config %s=%q", key, value)
}

// parseIndices parses a comma separated list of ints, optionally enclosed in brackets.
func parseIndices(value string) ([]int, error) {
	value = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(value), "["), "]")
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	indices := make([]int, 0, len(parts))
	for _, part := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, nil
}

// Flags returns the configuration as ordered flags, the inverse of ConfigFromFlags.
func (c Config) Flags() *orderedmap.OrderedMap[string, string] {
	join := func(indices []int) string {
		parts := make([]string, len(indices))
		for ii, idx := range indices {
			parts[ii] = strconv.Itoa(idx)
		}
		return strings.Join(parts, ",")
	}
	flags := orderedmap.New[string, string]()
	flags.Set(KeyStaticAlloc, strconv.FormatBool(c.StaticAlloc))
	flags.Set(KeyStaticShape, strconv.FormatBool(c.StaticShape))
	flags.Set(KeyForwardBulkSize, strconv.Itoa(c.ForwardBulkSize))
	flags.Set(KeyBackwardBulkSize, strconv.Itoa(c.BackwardBulkSize))
	flags.Set(KeyInlineLimit, strconv.Itoa(c.InlineLimit))
	flags.Set(KeyDataIndices, join(c.DataIndices))
	flags.Set(KeyParamIndices, join(c.ParamIndices))
	return flags
}

// String implements fmt.Stringer, in the format accepted by ParseConfig.
func (c Config) String() string {
	var parts []string
	flags := c.Flags()
	for pair := flags.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", pair.Key, pair.Value))
	}
	return strings.Join(parts, ";")
}
