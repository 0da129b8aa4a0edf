package orchestrator

import "sort"

// PlatformConfig describes one target platform. It is immutable once loaded.
type PlatformConfig struct {
	Name                string   `mapstructure:"name" yaml:"name" json:"name"`
	DisplayName         string   `mapstructure:"display_name" yaml:"display_name" json:"display_name"`
	WorkerCount         int      `mapstructure:"worker_count" yaml:"worker_count" json:"worker_count"`
	Priority            int      `mapstructure:"priority" yaml:"priority" json:"priority"`
	Features            []string `mapstructure:"features" yaml:"features" json:"features"`
	ErrorPatterns       []string `mapstructure:"error_patterns" yaml:"error_patterns" json:"error_patterns"`
	OptimizationTargets []string `mapstructure:"optimization_targets" yaml:"optimization_targets" json:"optimization_targets"`
}

// Label returns the display name, or the name when none is set.
func (p PlatformConfig) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// Workers returns the worker budget, at least 1.
func (p PlatformConfig) Workers() int {
	if p.WorkerCount < 1 {
		return 1
	}
	return p.WorkerCount
}

// DefaultPlatforms returns the built-in platform table.
func DefaultPlatforms() []PlatformConfig {
	return []PlatformConfig{
		{
			Name:                "github",
			DisplayName:         "GitHub",
			WorkerCount:         4,
			Priority:            1,
			Features:            []string{"actions", "pages", "packages", "security", "insights"},
			ErrorPatterns:       []string{"auth_error", "rate_limit", "workflow_failure", "merge_conflict"},
			OptimizationTargets: []string{"workflow_speed", "cache_efficiency", "parallel_jobs"},
		},
		{
			Name:                "gitlab",
			DisplayName:         "GitLab",
			WorkerCount:         4,
			Priority:            1,
			Features:            []string{"ci_cd", "container_registry", "pages", "security"},
			ErrorPatterns:       []string{"pipeline_failure", "runner_error", "auth_error", "timeout"},
			OptimizationTargets: []string{"pipeline_speed", "runner_efficiency", "cache_usage"},
		},
		{
			Name:                "vercel",
			DisplayName:         "Vercel",
			WorkerCount:         3,
			Priority:            2,
			Features:            []string{"deployments", "edge_functions", "analytics", "domains"},
			ErrorPatterns:       []string{"build_failure", "deployment_error", "function_timeout"},
			OptimizationTargets: []string{"build_speed", "bundle_size", "edge_performance"},
		},
		{
			Name:                "gitpod",
			DisplayName:         "Gitpod",
			WorkerCount:         3,
			Priority:            2,
			Features:            []string{"workspaces", "prebuilds", "collaboration"},
			ErrorPatterns:       []string{"workspace_error", "prebuild_failure", "resource_limit"},
			OptimizationTargets: []string{"startup_time", "prebuild_speed", "resource_usage"},
		},
		{
			Name:                "netlify",
			DisplayName:         "Netlify",
			WorkerCount:         3,
			Priority:            3,
			Features:            []string{"deployments", "functions", "forms", "identity"},
			ErrorPatterns:       []string{"build_failure", "function_error", "redirect_error"},
			OptimizationTargets: []string{"build_speed", "cdn_performance", "function_efficiency"},
		},
		{
			Name:                "quantum",
			DisplayName:         "Quantum",
			WorkerCount:         5,
			Priority:            1,
			Features:            []string{"quantum_computing", "optimization", "simulation"},
			ErrorPatterns:       []string{"decoherence", "gate_error", "measurement_error"},
			OptimizationTargets: []string{"circuit_depth", "gate_fidelity", "error_correction"},
		},
		{
			Name:                "huggingface",
			DisplayName:         "Hugging Face",
			WorkerCount:         4,
			Priority:            1,
			Features:            []string{"models", "datasets", "spaces", "inference"},
			ErrorPatterns:       []string{"model_loading_error", "inference_timeout", "memory_error"},
			OptimizationTargets: []string{"model_performance", "inference_speed", "memory_usage"},
		},
	}
}

// SortByPriority returns a copy of platforms ordered by priority, then name.
func SortByPriority(platforms []PlatformConfig) []PlatformConfig {
	out := append([]PlatformConfig(nil), platforms...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// TotalWorkers sums the worker budgets.
func TotalWorkers(platforms []PlatformConfig) int {
	total := 0
	for _, p := range platforms {
		total += p.Workers()
	}
	return total
}
