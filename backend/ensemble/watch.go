package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LoadServersFile reads a server list from path and installs it on d.
func LoadServersFile(d *Dialer, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	servers := ParseServers(string(data))
	if len(servers) == 0 {
		return nil, fmt.Errorf("servers file %s: %w", path, ErrNoServers)
	}
	d.SetServers(servers)
	return servers, nil
}

// WatchServersFile loads path and reloads it whenever it changes until ctx
// is done. The parent directory is watched so editors that replace the file
// are noticed. A reload that fails keeps the previous list.
func WatchServersFile(ctx context.Context, d *Dialer, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if _, err := LoadServersFile(d, path); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("servers file watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			servers, err := LoadServersFile(d, path)
			if err != nil {
				log.WarnContext(ctx, "ensemble.servers.reload_failed", slog.String("path", path), slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "ensemble.servers.reloaded", slog.String("path", path), slog.Any("servers", servers))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "ensemble.servers.watch_error", slog.String("err", err.Error()))
		}
	}
}
