package commands

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
)

// tools are the external programs the runner, push pipeline and deployer call.
var tools = []string{"git", "npm", "python3", "pip", "pytest", "docker", "kubectl", "heroku", "doctl", "vercel", "gcloud", "az", "aws"}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show host, CPU and toolchain information",
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
}

// HostInfo is what info reports.
type HostInfo struct {
	Hostname    string            `json:"hostname" yaml:"hostname"`
	Platform    string            `json:"platform" yaml:"platform"`
	Kernel      string            `json:"kernel" yaml:"kernel"`
	Uptime      time.Duration     `json:"uptime" yaml:"uptime"`
	GoVersion   string            `json:"go_version" yaml:"go_version"`
	CPU         CPUInfo           `json:"cpu" yaml:"cpu"`
	MemoryTotal uint64            `json:"memory_total" yaml:"memory_total"`
	MemoryFree  uint64            `json:"memory_available" yaml:"memory_available"`
	Tools       map[string]string `json:"tools" yaml:"tools"`
}

type CPUInfo struct {
	Brand    string   `json:"brand" yaml:"brand"`
	Vendor   string   `json:"vendor" yaml:"vendor"`
	Physical int      `json:"physical_cores" yaml:"physical_cores"`
	Logical  int      `json:"logical_cores" yaml:"logical_cores"`
	Features []string `json:"features" yaml:"features"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")

	info := HostInfo{
		GoVersion: runtime.Version(),
		CPU: CPUInfo{
			Brand:    cpuid.CPU.BrandName,
			Vendor:   cpuid.CPU.VendorString,
			Physical: cpuid.CPU.PhysicalCores,
			Logical:  cpuid.CPU.LogicalCores,
			Features: cpuid.CPU.FeatureSet(),
		},
		Tools: make(map[string]string, len(tools)),
	}
	if h, err := host.InfoWithContext(cmd.Context()); err == nil {
		info.Hostname = h.Hostname
		info.Platform = fmt.Sprintf("%s %s (%s)", h.Platform, h.PlatformVersion, h.KernelArch)
		info.Kernel = h.KernelVersion
		info.Uptime = time.Duration(h.Uptime) * time.Second
	}
	if vm, err := mem.VirtualMemoryWithContext(cmd.Context()); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryFree = vm.Available
	}
	for _, tool := range tools {
		path, err := exec.LookPath(tool)
		if err != nil {
			path = ""
		}
		info.Tools[tool] = path
	}

	return display(cmd.OutOrStdout(), format, info, func(w io.Writer) {
		fmt.Fprintln(w, "Host:")
		fmt.Fprintf(w, "  Hostname : %s\n", info.Hostname)
		fmt.Fprintf(w, "  Platform : %s\n", info.Platform)
		fmt.Fprintf(w, "  Kernel   : %s\n", info.Kernel)
		fmt.Fprintf(w, "  Uptime   : %s\n", info.Uptime)
		fmt.Fprintf(w, "  Memory   : %s available of %s\n", humanize.Bytes(info.MemoryFree), humanize.Bytes(info.MemoryTotal))
		fmt.Fprintf(w, "  Go       : %s\n", info.GoVersion)

		fmt.Fprintln(w, "\nCPU:")
		fmt.Fprintf(w, "  %s (%s)\n", info.CPU.Brand, info.CPU.Vendor)
		fmt.Fprintf(w, "  Cores    : %d physical, %d logical\n", info.CPU.Physical, info.CPU.Logical)

		fmt.Fprintln(w, "\nTools:")
		for _, tool := range tools {
			path := info.Tools[tool]
			if path == "" {
				path = "not found"
			}
			fmt.Fprintf(w, "  %-8s %s\n", tool, path)
		}
	})
}
