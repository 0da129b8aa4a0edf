// Package monitoring provides the poll-and-report monitor.
//
// A PollMonitor is built from data rather than subclassing: a set of
// samplers, a threshold table and an alert sink. Each cycle moves through
//
//	idle -> sampling -> evaluating -> (alerting) -> persisting -> idle
//
// Three samplers are built in:
//
//  1. SystemSampler: CPU, memory, disk, load, network and process counts
//     through gopsutil.
//  2. EndpointSampler: HTTP probes against the local API with availability
//     and latency statistics.
//  3. BackupSampler: age of the newest backup per directory.
//
// Usage:
//
//	mon := monitoring.New(logger, "system",
//		[]monitoring.Sampler{monitoring.NewSystemSampler(cfg.System)},
//		cfg.Thresholds,
//		monitoring.WithAlertSink(notifier),
//		monitoring.WithPersister(monitoring.NewPersister("logs"), 10),
//	)
//	mon.Start(ctx)
package monitoring
