package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure describes one failed scenario.
type ScenarioFailure struct {
	ScenarioPath string   `json:"scenario_path"`
	Scenario     string   `json:"scenario,omitempty"`
	Errors       []string `json:"errors"`
}

// FindScenarios returns the .yaml and .yml files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)
	return paths, nil
}

// RunSuite loads and runs every scenario file in paths. Scenarios that fail
// to load or run count as failures; the suite continues.
func RunSuite(paths []string) *SuiteResult {
	res := &SuiteResult{}
	for _, path := range paths {
		res.Total++
		scenario, err := LoadScenario(path)
		if err != nil {
			res.fail(ScenarioFailure{ScenarioPath: path, Errors: []string{err.Error()}})
			continue
		}
		result, err := Run(scenario)
		if err != nil {
			res.fail(ScenarioFailure{ScenarioPath: path, Scenario: scenario.Name, Errors: []string{err.Error()}})
			continue
		}
		if !result.Pass {
			res.fail(ScenarioFailure{ScenarioPath: path, Scenario: scenario.Name, Errors: result.Errors})
			continue
		}
		res.Passed++
	}
	return res
}

func (r *SuiteResult) fail(f ScenarioFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
}

// Summary returns a one-line description of the suite outcome.
func (r *SuiteResult) Summary() string {
	return fmt.Sprintf("%d scenarios: %d passed, %d failed", r.Total, r.Passed, r.Failed)
}
