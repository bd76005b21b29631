// Package watcher turns changes in a directory of UCI exports into stale
// modules.
//
// Each file in the directory holds the export of the package it is named
// after. fsnotify is used where it works; polling is the fallback for
// mounts that do not deliver events. Changes are debounced per module, so an
// editor saving a file three times yields one batch.
//
// Usage:
//
//	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	go func() { _ = w.Start(ctx, exportDir) }()
//	return watcher.Run(ctx, w, coordinator)
package watcher
