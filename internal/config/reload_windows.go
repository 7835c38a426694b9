//go:build windows

package config

// registerSignalHandler does nothing on Windows, which has no SIGHUP. The
// fsnotify watcher still picks up file edits.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("SIGHUP not available on Windows, using file watcher only for config reload")
}
