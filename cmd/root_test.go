package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sim "github.com/Gorky8685/otm-sim/sim"
	"github.com/Gorky8685/otm-sim/sim/trace"
)

func corridorPath() string { return filepath.Join("testdata", "corridor.yaml") }

// resetFlags restores the flag variables a test changed.
func resetFlags(t *testing.T) {
	t.Helper()
	saved := []any{seed, strictRouting, strictConservation, outputDt}
	t.Cleanup(func() {
		seed = saved[0].(int64)
		strictRouting = saved[1].(bool)
		strictConservation = saved[2].(bool)
		outputDt = saved[3].(float64)
	})
}

func TestLoadSpec_Corridor(t *testing.T) {
	spec, err := loadSpec(corridorPath())

	require.NoError(t, err)
	assert.Equal(t, int64(3), spec.Seed)
	assert.Len(t, spec.Network.Links, 2)
	assert.Equal(t, sim.RoutingLenient, spec.Routing)
	assert.Equal(t, trace.TraceLevelNone, spec.Trace.Level)
}

func TestLoadSpec_InvalidScenarioNamesFile(t *testing.T) {
	// GIVEN a scenario with an unknown routing mode
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sim_dt: 1\nrouting: loose\nnodes: [1]\n"), 0o644))

	// WHEN loaded
	_, err := loadSpec(path)

	// THEN the error names the file and the problem
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
	assert.Contains(t, err.Error(), `unknown routing "loose"`)
}

func TestApplyOverrides(t *testing.T) {
	resetFlags(t)

	t.Run("scenario values kept without flags", func(t *testing.T) {
		seed, strictRouting, strictConservation, outputDt = 99, false, false, 0
		spec, err := loadSpec(corridorPath())
		require.NoError(t, err)

		applyOverrides(&spec, false)

		assert.Equal(t, int64(3), spec.Seed)
		assert.Equal(t, sim.RoutingLenient, spec.Routing)
		assert.Equal(t, sim.ConservationLenient, spec.Conservation)
		assert.Equal(t, trace.TraceLevelNone, spec.Trace.Level)
	})

	t.Run("flags win", func(t *testing.T) {
		seed, strictRouting, strictConservation, outputDt = 99, true, true, 30
		spec, err := loadSpec(corridorPath())
		require.NoError(t, err)

		applyOverrides(&spec, true)

		assert.Equal(t, int64(99), spec.Seed)
		assert.Equal(t, sim.RoutingStrict, spec.Routing)
		assert.Equal(t, sim.ConservationStrict, spec.Conservation)
		assert.Equal(t, trace.TraceConfig{Level: trace.TraceLevelFull, SampleDt: 30}, spec.Trace)
	})
}

func TestWriteMetrics_JSONAndTextfile(t *testing.T) {
	// GIVEN a finished corridor run
	spec, err := loadSpec(corridorPath())
	require.NoError(t, err)
	s, err := sim.NewSimulation(spec)
	require.NoError(t, err)
	require.NoError(t, s.Run(0, 600))

	// WHEN its metrics are written
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, writeMetrics(s, path))

	// THEN the JSON carries the run ID and the textfile the run's series
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, s.RunID, out["run_id"])
	assert.Positive(t, out["FluidEntered"])

	prom, err := os.ReadFile(path + ".prom")
	require.NoError(t, err)
	assert.Contains(t, string(prom), `run_id="`+s.RunID+`"`)
	assert.Contains(t, string(prom), "otm_events_fired_total")
}

func TestWriteMetrics_BadPath(t *testing.T) {
	spec, err := loadSpec(corridorPath())
	require.NoError(t, err)
	s, err := sim.NewSimulation(spec)
	require.NoError(t, err)

	err = writeMetrics(s, filepath.Join(t.TempDir(), "missing", "metrics.json"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing metrics")
}

func TestRunCmd_Flags(t *testing.T) {
	for _, name := range []string{
		"scenario", "start", "duration", "log", "seed",
		"strict-routing", "strict-conservation", "output-dt", "metrics-file",
	} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "error", runCmd.Flags().Lookup("log").DefValue)
	assert.Contains(t, rootCmd.Commands(), runCmd)
}
