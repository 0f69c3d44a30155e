package media

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchClusterDir runs an optional disk-backed ingestion mode: it watches
// dir for cluster files the external demuxer drops in (named "<part>.bin"),
// and feeds each one through Append as it settles. This supplements the
// network-fetched path with a local alternative, useful when the demuxer
// runs as a sibling process on the same host.
func (m *Manager) WatchClusterDir(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				m.ingestFile(ctx, ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("media: cluster watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (m *Manager) ingestFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	number := name[:len(name)-len(filepath.Ext(name))]

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("media: read cluster file %s: %v", path, err)
		return
	}
	if number == "head" {
		m.AppendHead(ctx, data)
		return
	}

	// Append requires the part to be pending (spec §4.7); a locally dropped
	// cluster file never went through NextPartsToDownload, so mark it
	// pending ourselves before handing it to Append.
	if p, _, _, err := parsePartNumber(number); err == nil {
		m.markPending(p)
	}
	if err := m.Append(ctx, number, data); err != nil {
		log.Printf("media: ingest %s: %v", path, err)
	}
}
