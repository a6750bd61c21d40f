// Package shutdown stops a dedupd node in phases.
//
// Steps are registered with a phase number. Shutdown runs phases in
// ascending order and the steps inside one phase concurrently:
//
//	seq := shutdown.New(shutdown.WithLogger(logger))
//	seq.Add("coordinator", shutdown.PhaseIntake, shutdown.Closer(coord))
//	seq.Add("bus", shutdown.PhaseTransport, shutdown.Closer(b))
//	seq.AddFunc("tracing", shutdown.PhaseTelemetry, provider.Shutdown)
//	seq.AddFunc("metrics", shutdown.PhaseEndpoints, srv.Shutdown)
//
//	// Blocks until SIGINT/SIGTERM, then stops everything.
//	err := seq.Run(ctx)
//
// The coordinator goes first so pending futures fail with a closed error
// while the bus is still up; exporters flush after the last span is ended.
package shutdown
