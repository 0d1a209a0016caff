// status.go implements the "envforge status" command, which verifies a
// provisioned environment against its provision marker and the current
// manifest.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/envforge/internal/conda"
	"github.com/mmr-tortoise/envforge/internal/model"
	"github.com/mmr-tortoise/envforge/internal/state"
)

// statusFlags holds the flag values for the status command.
type statusFlags struct {
	manifestPath string // --manifest: explicit manifest file path
}

// NewStatusCommand creates the "status" cobra command.
func NewStatusCommand() *cobra.Command {
	flags := &statusFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Verify the provisioned environment against its manifest",
		Long: `Check that the manifest's environment is still fully provisioned.

The command reads the provision marker at the environment prefix, queries
the package manager for the live installed-package list, and reports:

  ready       interpreter on pin, every requested package installed
  incomplete  a requested package is missing or the interpreter is off pin
  stale       the manifest changed since provisioning

The exit code is 0 only when the environment is ready.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.manifestPath, "manifest", "", "Manifest file path (default: discover envforge.jsonc)")

	return cmd
}

// runStatus is the main orchestration function for the status command.
func runStatus(ctx context.Context, flags *statusFlags) error {
	// Step 1: Load the manifest and resolve the environment prefix.
	m, err := loadManifestOrDefault(flags.manifestPath)
	if err != nil {
		return err
	}

	prefix, err := m.ResolvePrefix()
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to resolve environment prefix", err)
	}
	VerboseLog("Environment prefix: %s", prefix)

	// Step 2: Read the provision marker. An absent marker means no
	// envforge-managed environment exists at the prefix.
	marker, err := state.ReadMarker(prefix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.NewCLIError(
				model.ExitEnvNotFound,
				fmt.Sprintf("no provisioned environment at %s (run `envforge provision` first)", prefix),
			)
		}
		return model.WrapCLIError(model.ExitGeneralError, "failed to read provision marker", err)
	}

	// Step 3: Query the live installed-package list, using the same tool
	// that did the provisioning.
	tool, err := model.ParseToolKind(marker.Tool)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "corrupted provision marker", err)
	}

	mgr, err := conda.NewManager(tool)
	if err != nil {
		return err
	}

	installed, err := mgr.InstalledPackages(ctx, prefix)
	if err != nil {
		return err
	}

	// Step 4: Verify the marker against the live state and the current
	// manifest checksum.
	report := state.Verify(marker, installed, m.Checksum())

	// Step 5: Output results.
	printStatusReport(marker, prefix, report)

	if report.Status != model.StatusReady {
		return model.NewCLIError(
			model.ExitGeneralError,
			fmt.Sprintf("environment %q is %s", marker.Name, report.Status),
		)
	}
	return nil
}

// printStatusReport outputs the verification report in text or JSON format.
func printStatusReport(marker *state.Marker, prefix string, report *state.Report) {
	if IsJSONOutput() {
		printStatusReportJSON(marker, prefix, report)
	} else {
		printStatusReportText(marker, prefix, report)
	}
}

// printStatusReportJSON outputs the report as structured JSON.
func printStatusReportJSON(marker *state.Marker, prefix string, report *state.Report) {
	type packageJSON struct {
		Name      string `json:"name"`
		Pin       string `json:"pin,omitempty"`
		Installed bool   `json:"installed"`
		Version   string `json:"version,omitempty"`
	}

	type reportJSON struct {
		Name            string        `json:"name"`
		Prefix          string        `json:"prefix"`
		Status          string        `json:"status"`
		PythonPin       string        `json:"pythonPin"`
		PythonVersion   string        `json:"pythonVersion,omitempty"`
		PythonOK        bool          `json:"pythonOk"`
		ManifestChanged bool          `json:"manifestChanged"`
		Packages        []packageJSON `json:"packages"`
	}

	out := reportJSON{
		Name:            marker.Name,
		Prefix:          prefix,
		Status:          report.Status.String(),
		PythonPin:       marker.PythonPin,
		PythonVersion:   report.PythonVersion,
		PythonOK:        report.PythonOK,
		ManifestChanged: report.ManifestChanged,
		Packages:        make([]packageJSON, 0, len(report.Packages)),
	}
	for _, p := range report.Packages {
		out.Packages = append(out.Packages, packageJSON{
			Name:      p.Spec.Name,
			Pin:       p.Spec.Version,
			Installed: p.Installed,
			Version:   p.Version,
		})
	}

	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
}

// printStatusReportText outputs the report as human-readable text, one
// check per line.
func printStatusReportText(marker *state.Marker, prefix string, report *state.Report) {
	fmt.Printf("Environment %q (%s)\n", marker.Name, prefix)
	fmt.Printf("  Status: %s\n", report.Status)

	if report.PythonOK {
		fmt.Printf("  Python: %s (pin %s) ok\n", report.PythonVersion, marker.PythonPin)
	} else {
		fmt.Printf("  Python: %s (pin %s) MISMATCH\n", report.PythonVersion, marker.PythonPin)
	}

	for _, p := range report.Packages {
		if p.Installed {
			fmt.Printf("  Package %-24s %s\n", p.Spec.Name, p.Version)
		} else {
			fmt.Printf("  Package %-24s MISSING\n", p.Spec.Name)
		}
	}

	if report.ManifestChanged {
		fmt.Println("  Manifest changed since provisioning (re-run `envforge provision --force`)")
	}

	// Write warnings for non-ready states to stderr so scripted callers
	// parsing stdout are unaffected.
	if report.Status != model.StatusReady {
		fmt.Fprintf(os.Stderr, "Warning: environment is %s\n", report.Status)
	}
}
