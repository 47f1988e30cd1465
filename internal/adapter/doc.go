/*
Package adapter runs the CHFS filesystem adapter as a process component.

An Adapter owns the pieces a long-running host needs around the fsspec
registry:

	┌──────────────────────────────────────────┐
	│                 Adapter                  │
	│                                          │
	│  logging ── utils.SetupLogging (slog)    │
	│  metrics ── metrics.Collector            │
	│  registry ─ fsspec.Registry (Recorder)   │
	│  mount ──── fuse.MountManager (optional) │
	└──────────────────────────────────────────┘

Start configures the default slog logger from the global section, creates
the metrics collector and a registry that reports every operation to it,
and, when fuse.enabled is set, connects the fuse.scheme filesystem and
mounts it at fuse.mount_point. Stop reverses the order: unmount, release
the mount filesystem, shut the registry down (tearing down every live
session) and stop the metrics endpoint.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("chfs.yaml"); err != nil {
		return err
	}
	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(ctx)

	fs, err := a.Filesystem(ctx, fsspec.SchemeCHFS)
	if err != nil {
		return err
	}
	return fs.Pipe(ctx, "/data/out", payload.String("done"))
*/
package adapter
