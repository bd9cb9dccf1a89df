package harness

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
)

// SuiteResult summarises a directory of scenarios.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents a scenario that failed to load, run or pass.
type ScenarioFailure struct {
	ScenarioPath string   `json:"scenario_path"`
	Name         string   `json:"name,omitempty"`
	Errors       []string `json:"errors"`
}

// FindScenarios returns the .yaml and .yml files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ext := filepath.Ext(path); !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
			paths = append(paths, path)
		}
		return nil
	})
	slices.Sort(paths)
	return paths, err
}

// RunSuite runs every scenario under dir and collects the results.
//
// For each scenario file:
// 1. Load and validate it
// 2. Run it via harness.Run
// 3. Record a failure if it could not run or did not pass
func RunSuite(ctx context.Context, dir string, opts ...Option) (*SuiteResult, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	result := &SuiteResult{}
	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(path, "", fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		run, err := Run(ctx, scenario, opts...)
		if err != nil {
			result.fail(path, scenario.Name, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !run.Pass {
			result.fail(path, scenario.Name, run.Errors...)
			continue
		}
		result.Passed++
	}
	return result, nil
}

func (r *SuiteResult) fail(path, name string, errs ...string) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{
		ScenarioPath: path,
		Name:         name,
		Errors:       errs,
	})
}
