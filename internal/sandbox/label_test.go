package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/envforge/internal/model"
)

// TestBuildLabels verifies that BuildLabels converts an Environment into a
// Docker label map with all required keys and position-indexed package
// labels.
func TestBuildLabels(t *testing.T) {
	// Arrange: an environment with known values including pinned packages.
	createdAt := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	env := &model.Environment{
		Name:          "agent-env",
		Prefix:        "/opt/conda/envs/agent-env",
		PythonVersion: "3.11",
		Channel:       "conda-forge",
		Tool:          model.ToolMamba,
		Packages: []model.PackageSpec{
			{Name: "langchain"},
			{Name: "pypdf", Version: "4.2.0"},
		},
		Sandbox:   true,
		CreatedAt: createdAt,
	}

	// Act
	labels := BuildLabels(env)

	// Assert: static labels.
	assert.Equal(t, ManagedByValue, labels[LabelManagedBy],
		"managed-by label should always be set to the constant value")
	assert.Equal(t, "agent-env", labels[LabelName])
	assert.Equal(t, "/opt/conda/envs/agent-env", labels[LabelEnvPrefix])
	assert.Equal(t, "3.11", labels[LabelPython])
	assert.Equal(t, "conda-forge", labels[LabelChannel])
	assert.Equal(t, "mamba", labels[LabelTool])
	assert.Equal(t, "2026-08-20T09:00:00Z", labels[LabelCreatedAt])

	// Assert: position-indexed package labels preserve install order.
	assert.Equal(t, "langchain", labels["envforge.package.0"])
	assert.Equal(t, "pypdf=4.2.0", labels["envforge.package.1"])

	// Assert: total label count (7 static + 2 package).
	assert.Len(t, labels, 9)
}

// TestBuildLabels_NoPackages verifies that an interpreter-only environment
// produces only the static labels.
func TestBuildLabels_NoPackages(t *testing.T) {
	env := &model.Environment{
		Name:          "bare",
		Prefix:        "/opt/conda/envs/bare",
		PythonVersion: "3.11",
		Channel:       "conda-forge",
		Tool:          model.ToolMamba,
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	labels := BuildLabels(env)
	assert.Len(t, labels, 7, "expected only the 7 static labels")
}

// TestParseLabels verifies that ParseLabels reconstructs an Environment
// from a Docker label map, the inverse of BuildLabels.
func TestParseLabels(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy:       ManagedByValue,
		LabelName:            "agent-env",
		LabelEnvPrefix:       "/opt/conda/envs/agent-env",
		LabelPython:          "3.11",
		LabelChannel:         "conda-forge",
		LabelTool:            "mamba",
		LabelCreatedAt:       "2026-08-20T09:00:00Z",
		"envforge.package.0": "langchain",
		"envforge.package.1": "pypdf=4.2.0",
	}

	env, err := ParseLabels(labels)
	require.NoError(t, err, "ParseLabels should succeed with valid labels")

	assert.Equal(t, "agent-env", env.Name)
	assert.Equal(t, "/opt/conda/envs/agent-env", env.Prefix)
	assert.Equal(t, "3.11", env.PythonVersion)
	assert.Equal(t, "conda-forge", env.Channel)
	assert.Equal(t, model.ToolMamba, env.Tool)
	assert.True(t, env.Sandbox, "environments parsed from labels are always sandboxed")
	assert.Equal(t, time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC), env.CreatedAt)

	// Install order must survive the map round trip.
	require.Len(t, env.Packages, 2)
	assert.Equal(t, model.PackageSpec{Name: "langchain"}, env.Packages[0])
	assert.Equal(t, model.PackageSpec{Name: "pypdf", Version: "4.2.0"}, env.Packages[1])
}

// TestParseLabels_PackageOrder verifies that package order is restored
// from the index keys even though map iteration order is random.
func TestParseLabels_PackageOrder(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy:        ManagedByValue,
		LabelName:             "ordered",
		LabelEnvPrefix:        "/opt/conda/envs/ordered",
		LabelPython:           "3.11",
		LabelChannel:          "conda-forge",
		LabelTool:             "mamba",
		LabelCreatedAt:        "2026-01-01T00:00:00Z",
		"envforge.package.10": "pypdf",
		"envforge.package.2":  "langgraph",
		"envforge.package.0":  "langchain",
	}

	env, err := ParseLabels(labels)
	require.NoError(t, err)

	// Numeric ordering, not lexicographic: index 10 sorts after index 2.
	require.Len(t, env.Packages, 3)
	assert.Equal(t, "langchain", env.Packages[0].Name)
	assert.Equal(t, "langgraph", env.Packages[1].Name)
	assert.Equal(t, "pypdf", env.Packages[2].Name)
}

// TestParseLabels_MissingRequired verifies that each absent required label
// is detected and named in the error.
func TestParseLabels_MissingRequired(t *testing.T) {
	testCases := []struct {
		name       string
		missingKey string
	}{
		{"missing managed-by", LabelManagedBy},
		{"missing name", LabelName},
		{"missing prefix", LabelEnvPrefix},
		{"missing python", LabelPython},
		{"missing channel", LabelChannel},
		{"missing tool", LabelTool},
		{"missing created-at", LabelCreatedAt},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Start with a complete valid label set.
			labels := map[string]string{
				LabelManagedBy: ManagedByValue,
				LabelName:      "test",
				LabelEnvPrefix: "/opt/conda/envs/test",
				LabelPython:    "3.11",
				LabelChannel:   "conda-forge",
				LabelTool:      "mamba",
				LabelCreatedAt: "2026-01-01T00:00:00Z",
			}

			delete(labels, tc.missingKey)

			_, err := ParseLabels(labels)
			require.Error(t, err, "should fail when %s is missing", tc.missingKey)
			assert.Contains(t, err.Error(), tc.missingKey,
				"error message should mention the missing label key")
		})
	}
}

// TestParseLabels_InvalidManagedBy verifies that containers labeled by
// another tool are rejected.
func TestParseLabels_InvalidManagedBy(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: "some-other-tool",
		LabelName:      "test",
		LabelEnvPrefix: "/opt/conda/envs/test",
		LabelPython:    "3.11",
		LabelChannel:   "conda-forge",
		LabelTool:      "mamba",
		LabelCreatedAt: "2026-01-01T00:00:00Z",
	}

	_, err := ParseLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected value")
}

// TestParseLabels_InvalidTool verifies that an unsupported tool label
// value produces an error naming the label.
func TestParseLabels_InvalidTool(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelName:      "test",
		LabelEnvPrefix: "/opt/conda/envs/test",
		LabelPython:    "3.11",
		LabelChannel:   "conda-forge",
		LabelTool:      "pixi",
		LabelCreatedAt: "2026-01-01T00:00:00Z",
	}

	_, err := ParseLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), LabelTool)
}

// TestParseLabels_InvalidPackageIndex verifies that a malformed package
// label key is rejected rather than silently dropped.
func TestParseLabels_InvalidPackageIndex(t *testing.T) {
	labels := map[string]string{
		LabelManagedBy:         ManagedByValue,
		LabelName:              "test",
		LabelEnvPrefix:         "/opt/conda/envs/test",
		LabelPython:            "3.11",
		LabelChannel:           "conda-forge",
		LabelTool:              "mamba",
		LabelCreatedAt:         "2026-01-01T00:00:00Z",
		"envforge.package.abc": "langchain",
	}

	_, err := ParseLabels(labels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid package index")
}

// TestBuildAndParseLabelRoundTrip verifies that building labels and
// parsing them back produces an equivalent Environment. The two functions
// must stay exact inverses since labels are the sole persistence for
// sandbox environments.
func TestBuildAndParseLabelRoundTrip(t *testing.T) {
	original := &model.Environment{
		Name:          "roundtrip",
		Prefix:        SandboxPrefix("roundtrip"),
		PythonVersion: "3.11",
		Channel:       "conda-forge",
		Tool:          SandboxTool,
		Packages: []model.PackageSpec{
			{Name: "langchain"},
			{Name: "langgraph"},
			{Name: "langchain-openai"},
			{Name: "python-dotenv"},
			{Name: "pypdf", Version: "4.2.0"},
		},
		Sandbox:   true,
		CreatedAt: time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC),
	}

	parsed, err := ParseLabels(BuildLabels(original))
	require.NoError(t, err)

	// Status and ContainerID are runtime state, never persisted in labels.
	assert.Equal(t, original.Name, parsed.Name)
	assert.Equal(t, original.Prefix, parsed.Prefix)
	assert.Equal(t, original.PythonVersion, parsed.PythonVersion)
	assert.Equal(t, original.Channel, parsed.Channel)
	assert.Equal(t, original.Tool, parsed.Tool)
	assert.Equal(t, original.Packages, parsed.Packages)
	assert.Equal(t, original.CreatedAt, parsed.CreatedAt)
}

// TestContainerName verifies the sandbox container naming scheme.
func TestContainerName(t *testing.T) {
	assert.Equal(t, "envforge-agent-env", ContainerName("agent-env"))
}

// TestSandboxPrefix verifies the in-container environment prefix layout.
func TestSandboxPrefix(t *testing.T) {
	assert.Equal(t, "/opt/conda/envs/agent-env", SandboxPrefix("agent-env"))
}
