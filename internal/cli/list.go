// list.go implements the "envforge list" command, which discovers all
// envforge-managed environments: local prefixes carrying a provision
// marker, and sandbox containers carrying the envforge label set.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/envforge/internal/conda"
	"github.com/mmr-tortoise/envforge/internal/model"
	"github.com/mmr-tortoise/envforge/internal/sandbox"
	"github.com/mmr-tortoise/envforge/internal/state"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	statusFilter string // --status: only show environments with this status
	localOnly    bool   // --local: skip sandbox discovery
	sandboxOnly  bool   // --sandbox: skip local discovery
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all envforge-managed environments",
		Long: `Discover every environment envforge manages.

Local environments are found by asking the package manager for its known
prefixes and keeping those that carry a provision marker. Sandbox
environments are found by their Docker labels. A discovery source that is
unavailable (no conda on PATH, Docker not running) is skipped with a
verbose note rather than failing the command.

Examples:
  envforge list
  envforge list --status ready
  envforge list --sandbox --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.statusFilter, "status", "", "Only show environments with this status (ready, incomplete, stale)")
	cmd.Flags().BoolVar(&flags.localOnly, "local", false, "List only local environments")
	cmd.Flags().BoolVar(&flags.sandboxOnly, "sandbox", false, "List only sandbox environments")

	return cmd
}

// runList is the main orchestration function for the list command.
func runList(ctx context.Context, flags *listFlags) error {
	// Step 1: Validate the status filter early, before any discovery work.
	var filter model.EnvStatus
	if flags.statusFilter != "" {
		parsed, err := model.ParseEnvStatus(flags.statusFilter)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "invalid --status value", err)
		}
		filter = parsed
	}

	if flags.localOnly && flags.sandboxOnly {
		return model.NewCLIError(model.ExitGeneralError, "--local and --sandbox are mutually exclusive")
	}

	// Step 2: Discover environments from each requested source.
	var envs []*model.Environment

	if !flags.sandboxOnly {
		local, err := discoverLocal(ctx)
		if err != nil {
			// An unavailable source is not an error for listing; the other
			// source may still have environments to show.
			VerboseLog("Skipping local environments: %v", err)
		} else {
			envs = append(envs, local...)
		}
	}

	if !flags.localOnly {
		sandboxEnvs, err := discoverSandbox(ctx)
		if err != nil {
			VerboseLog("Skipping sandbox environments: %v", err)
		} else {
			envs = append(envs, sandboxEnvs...)
		}
	}

	// Step 3: Filter and sort. Sorting by name keeps output stable across
	// runs regardless of discovery order.
	if filter != "" {
		filtered := envs[:0]
		for _, env := range envs {
			if env.Status == filter {
				filtered = append(filtered, env)
			}
		}
		envs = filtered
	}

	sort.Slice(envs, func(i, j int) bool {
		if envs[i].Name != envs[j].Name {
			return envs[i].Name < envs[j].Name
		}
		// A local and a sandbox environment may share a name; local first.
		return !envs[i].Sandbox
	})

	// Step 4: Output results.
	printEnvironmentList(envs)
	return nil
}

// discoverLocal finds local envforge-managed environments: prefixes the
// package manager knows about that carry a provision marker. Each
// environment's status is verified against its live package list.
//
// Per-environment failures (unreadable marker, failed package query) skip
// that environment with a verbose note instead of failing the listing.
func discoverLocal(ctx context.Context) ([]*model.Environment, error) {
	mgr, err := conda.NewManager("")
	if err != nil {
		return nil, err
	}

	prefixes, err := mgr.ListEnvPrefixes(ctx)
	if err != nil {
		return nil, err
	}

	var envs []*model.Environment
	for _, prefix := range prefixes {
		if !state.IsManaged(prefix) {
			continue
		}

		marker, readErr := state.ReadMarker(prefix)
		if readErr != nil {
			VerboseLog("Skipping %s: %v", prefix, readErr)
			continue
		}

		env, parseErr := state.ParseMarker(marker, prefix)
		if parseErr != nil {
			VerboseLog("Skipping %s: %v", prefix, parseErr)
			continue
		}

		installed, listErr := mgr.InstalledPackages(ctx, prefix)
		if listErr != nil {
			VerboseLog("Skipping %s: %v", prefix, listErr)
			continue
		}

		// No manifest checksum here: list verifies internal consistency
		// only, drift detection belongs to the status command.
		report := state.Verify(marker, installed, "")
		env.Status = report.Status
		envs = append(envs, env)
	}

	return envs, nil
}

// discoverSandbox finds sandbox environments via their Docker labels.
// Containers with unparseable labels are reported as a warning.
func discoverSandbox(ctx context.Context) ([]*model.Environment, error) {
	cli, err := sandbox.NewClient()
	if err != nil {
		return nil, err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return nil, err
	}

	envs, skipped, err := sandbox.ListManagedContainers(ctx, cli)
	if err != nil {
		return nil, err
	}
	for _, name := range skipped {
		fmt.Fprintf(os.Stderr, "Warning: skipping container %s: unparseable envforge labels\n", name)
	}

	return envs, nil
}

// printEnvironmentList outputs the environments in text or JSON format.
func printEnvironmentList(envs []*model.Environment) {
	if IsJSONOutput() {
		// The Environment JSON tags define the output shape directly.
		data, _ := json.MarshalIndent(envs, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(envs) == 0 {
		fmt.Println("No environments found")
		return
	}

	// tabwriter aligns the table columns automatically.
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTOOL\tPYTHON\tSTATUS\tPACKAGES\tPREFIX")
	for _, env := range envs {
		prefix := env.Prefix
		if env.Sandbox {
			prefix = "sandbox:" + prefix
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			env.Name,
			env.Tool,
			env.PythonVersion,
			env.Status,
			FormatPackages(env.Packages),
			prefix,
		)
	}
	_ = w.Flush()
}

// maxPackageColumn caps the PACKAGES column width in table output.
const maxPackageColumn = 40

// FormatPackages renders a package list for the table view: a count
// followed by as many names as fit in the column.
func FormatPackages(specs []model.PackageSpec) string {
	if len(specs) == 0 {
		return "0"
	}

	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	joined := strings.Join(names, ",")
	if len(joined) > maxPackageColumn {
		joined = joined[:maxPackageColumn-3] + "..."
	}

	return fmt.Sprintf("%d (%s)", len(specs), joined)
}
