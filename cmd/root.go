package cmd

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/Gorky8685/otm-sim/sim"
	"github.com/Gorky8685/otm-sim/sim/scenario"
	"github.com/Gorky8685/otm-sim/sim/trace"
)

var (
	scenarioPath       string  // Path to the YAML scenario
	startTime          float64 // Simulated start time (s)
	duration           float64 // Simulated duration (s)
	logLevel           string  // Log verbosity level
	seed               int64   // Overrides the scenario seed when set
	strictRouting      bool    // Unroutable flow fails the run instead of being dropped
	strictConservation bool    // Negative masses fail the run instead of being clamped
	outputDt           float64 // Lane group sampling interval (s); enables full tracing
	metricsFile        string  // JSON metrics path; a Prometheus textfile goes next to it
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "otm-sim",
	Short: "Multi-resolution traffic network simulator",
}

// runCmd executes a scenario
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a traffic scenario",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if duration < 0 || math.IsNaN(duration) {
			logrus.Fatalf("Invalid --duration %v: must be non-negative", duration)
		}
		if outputDt < 0 {
			logrus.Fatalf("Invalid --output-dt %v: must be non-negative", outputDt)
		}

		spec, err := loadSpec(scenarioPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		applyOverrides(&spec, cmd.Flags().Changed("seed"))

		s, err := sim.NewSimulation(spec)
		if err != nil {
			logrus.Fatalf("Building scenario %s: %v", scenarioPath, err)
		}
		if n := len(s.Env.Log.Messages(sim.LevelWarning)); n > 0 {
			logrus.Infof("[run %s] scenario built with %d warning(s)", s.RunID, n)
		}

		logrus.Infof("Starting run %s: scenario=%s start=%.1f duration=%.1f seed=%d",
			s.RunID, scenarioPath, startTime, duration, spec.Seed)
		wallStart := time.Now()
		if err := s.Run(startTime, duration); err != nil {
			logrus.Fatalf("%v", err)
		}

		s.Env.Metrics.Print()
		if spec.Trace.Level != trace.TraceLevelNone {
			printTraceSummary(trace.Summarize(s.Env.Trace))
		}
		if metricsFile != "" {
			if err := writeMetrics(s, metricsFile); err != nil {
				logrus.Fatalf("%v", err)
			}
		}
		logrus.Infof("Simulation complete in %v.", time.Since(wallStart))
	},
}

// loadSpec reads, validates and converts a scenario file.
func loadSpec(path string) (sim.ScenarioSpec, error) {
	sc, err := scenario.Load(path)
	if err != nil {
		return sim.ScenarioSpec{}, err
	}
	if err := sc.Validate(); err != nil {
		return sim.ScenarioSpec{}, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return sc.ToSpec()
}

// applyOverrides folds the command-line flags into spec. The scenario seed
// is kept unless --seed was given.
func applyOverrides(spec *sim.ScenarioSpec, seedSet bool) {
	if seedSet {
		spec.Seed = seed
	}
	if strictRouting {
		spec.Routing = sim.RoutingStrict
	}
	if strictConservation {
		spec.Conservation = sim.ConservationStrict
	}
	if outputDt > 0 {
		spec.Trace = trace.TraceConfig{Level: trace.TraceLevelFull, SampleDt: outputDt}
	}
}

// writeMetrics saves the JSON summary at path and the run's Prometheus
// series at path + ".prom".
func writeMetrics(s *sim.Simulation, path string) error {
	if err := s.Env.Metrics.SaveResults(s.RunID, path); err != nil {
		return err
	}
	if err := s.Env.Telemetry.WriteToTextfile(path + ".prom"); err != nil {
		return fmt.Errorf("writing telemetry: %w", err)
	}
	logrus.Infof("Metrics written to %s", path)
	return nil
}

func printTraceSummary(ts *trace.TraceSummary) {
	fmt.Println("=== Trace Summary ===")
	fmt.Printf("Link Entries         : %d\n", ts.Entered)
	fmt.Printf("Link Exits           : %d\n", ts.Exited)
	fmt.Printf("Mean Link Time       : %.1f s\n", ts.MeanTravelTime)
	fmt.Printf("Max Link Time        : %.1f s\n", ts.MaxTravelTime)
	if ts.DroppedAmount > 0 {
		fmt.Printf("Dropped              : %.2f veh\n", ts.DroppedAmount)
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to the YAML scenario")
	runCmd.Flags().Float64Var(&startTime, "start", 0, "Simulated start time in seconds")
	runCmd.Flags().Float64Var(&duration, "duration", 3600, "Simulated duration in seconds")
	runCmd.Flags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Seed for demand and split randomness (overrides the scenario)")
	_ = runCmd.MarkFlagRequired("scenario")

	// Failure modes
	runCmd.Flags().BoolVar(&strictRouting, "strict-routing", false, "Fail the run when flow cannot be routed")
	runCmd.Flags().BoolVar(&strictConservation, "strict-conservation", false, "Fail the run when a lane group would hold negative mass")

	// Output
	runCmd.Flags().Float64Var(&outputDt, "output-dt", 0, "Lane group sampling interval in seconds (0 disables)")
	runCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write JSON metrics here and Prometheus series to <file>.prom")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
