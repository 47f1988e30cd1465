/*
Package fuse mounts an fsspec filesystem through the kernel FUSE driver.

The node tree is built on github.com/hanwen/go-fuse/v2. Every node carries
its absolute adapter path and forwards to the fsspec FileSystem, so the
mount sees the same session, links and error taxonomy as library callers.

	┌──────────────────────────┐
	│   applications (POSIX)   │
	└────────────┬─────────────┘
	             │ kernel VFS / FUSE
	┌────────────▼─────────────┐
	│   Node / handle (here)   │
	└────────────┬─────────────┘
	             │
	┌────────────▼─────────────┐
	│    fsspec.FileSystem     │
	└────────────┬─────────────┘
	             │
	┌────────────▼─────────────┐
	│  storage session client  │
	└──────────────────────────┘

# Error Mapping

Adapter errors are reported by their taxonomy code:

	NOT_FOUND            ENOENT
	ALREADY_EXISTS       EEXIST
	NOT_A_DIRECTORY      ENOTDIR
	IS_A_DIRECTORY       EISDIR
	DIRECTORY_NOT_EMPTY  ENOTEMPTY
	PERMISSION_DENIED    EACCES
	anything else        EIO

# Usage

	fsys := fuse.NewFileSystem(adapter, &fuse.Config{FileMode: 0644, DirMode: 0755})
	mm := fuse.NewMountManager(fsys, fuse.DefaultMountConfig("/mnt/chfs"))
	if err := mm.Mount(ctx); err != nil {
		return err
	}
	defer mm.Unmount()
*/
package fuse
