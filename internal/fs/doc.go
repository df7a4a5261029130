// Package fs provides filesystem abstractions for testability and fault injection.
//
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test wrapper that injects errors on write, sync or rename
//
// The local blob store writes every segment and manifest through a
// [FileSystem], so tests can make a seal or a manifest save fail at a precise
// step:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("MANIFEST", fs.Fault{FailOnRename: true})
//	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
//
// Operations are local and non-interruptible, so the package takes no
// context.Context.
package fs
