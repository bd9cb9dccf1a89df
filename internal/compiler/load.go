package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"github.com/hashicorp/go-multierror"

	"github.com/pfirmstone/JGDMS-sub001/internal/space"
)

// LoadConfig loads a configuration from a .cue file or from a directory
// holding one CUE package, compiles it and validates the result. All
// validation errors are returned together as a *multierror.Error.
func LoadConfig(path string) (space.Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return space.Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	args := []string{path}
	cfg := &load.Config{}
	if info.IsDir() {
		args = []string{"."}
		cfg.Dir = path
	}

	instances := load.Instances(args, cfg)
	if len(instances) == 0 {
		return space.Config{}, fmt.Errorf("config %s: no CUE instances loaded", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return space.Config{}, fmt.Errorf("loading CUE files: %w", formatCUEError(inst.Err))
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return space.Config{}, fmt.Errorf("building CUE value: %w", formatCUEError(err))
	}

	conf, err := CompileConfig(value)
	if err != nil {
		return space.Config{}, err
	}

	var result *multierror.Error
	for _, verr := range Validate(conf) {
		result = multierror.Append(result, verr)
	}
	if err := result.ErrorOrNil(); err != nil {
		return space.Config{}, err
	}
	return conf, nil
}
