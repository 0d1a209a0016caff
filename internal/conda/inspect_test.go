package conda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// TestParsePackageList verifies decoding of the `list --prefix P --json`
// output, including name normalization and fields the tools emit that
// envforge ignores.
func TestParsePackageList(t *testing.T) {
	// A trimmed-down sample of real conda list output. The build_string
	// and platform fields must be ignored, not rejected.
	data := []byte(`[
		{"name": "python", "version": "3.11.9", "channel": "conda-forge", "build_string": "h123_0", "platform": "linux-64"},
		{"name": "LangChain", "version": "0.2.5", "channel": "conda-forge"},
		{"name": "pypdf", "version": "4.2.0", "channel": "conda-forge"}
	]`)

	packages, err := ParsePackageList(data)
	require.NoError(t, err)
	require.Len(t, packages, 3)

	assert.Equal(t, model.InstalledPackage{
		Name: "python", Version: "3.11.9", Channel: "conda-forge",
	}, packages[0])
	assert.Equal(t, "langchain", packages[1].Name,
		"package names should be lowercased for consistent lookups")
}

// TestParsePackageList_Empty verifies that an empty environment decodes
// to an empty slice, not an error.
func TestParsePackageList_Empty(t *testing.T) {
	packages, err := ParsePackageList([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, packages)
}

// TestParsePackageList_Invalid verifies that malformed JSON is rejected
// with a descriptive error.
func TestParsePackageList_Invalid(t *testing.T) {
	_, err := ParsePackageList([]byte(`{"not": "an array"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse package list JSON")
}

// TestParseEnvList verifies decoding of the `env list --json` output
// object into prefix paths.
func TestParseEnvList(t *testing.T) {
	data := []byte(`{"envs": ["/opt/conda", "/opt/conda/envs/agent-env", "/home/dev/project/venv"]}`)

	envs, err := ParseEnvList(data)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/opt/conda",
		"/opt/conda/envs/agent-env",
		"/home/dev/project/venv",
	}, envs)
}

// TestParseEnvList_Invalid verifies that malformed JSON is rejected.
func TestParseEnvList_Invalid(t *testing.T) {
	_, err := ParseEnvList([]byte(`not json`))
	require.Error(t, err)
}

// TestFindPythonVersion verifies interpreter lookup in an installed
// package list, including the absent case.
func TestFindPythonVersion(t *testing.T) {
	packages := []model.InstalledPackage{
		{Name: "langchain", Version: "0.2.5"},
		{Name: "python", Version: "3.11.9"},
	}
	assert.Equal(t, "3.11.9", FindPythonVersion(packages))

	assert.Empty(t, FindPythonVersion([]model.InstalledPackage{{Name: "pypdf", Version: "4.2.0"}}),
		"an environment without python yields an empty version")
	assert.Empty(t, FindPythonVersion(nil))
}

// TestVersionSatisfiesPin verifies the segment-aware prefix matching used
// to compare a concrete interpreter version against a manifest pin.
func TestVersionSatisfiesPin(t *testing.T) {
	testCases := []struct {
		name     string
		version  string
		pin      string
		expected bool
	}{
		{"exact match", "3.11", "3.11", true},
		{"patch release under pin", "3.11.9", "3.11", true},
		{"deep release under pin", "3.11.9.final", "3.11", true},
		{"different minor", "3.12.1", "3.11", false},
		{"pin is not a segment prefix", "3.110", "3.11", false},
		{"short pin does not match longer minor", "3.11", "3.1", false},
		{"empty pin accepts anything", "3.12.1", "", true},
		{"empty version fails a pin", "", "3.11", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, VersionSatisfiesPin(tc.version, tc.pin))
		})
	}
}
