// Package extract decides how each table is pulled from the warehouse:
// which strategy applies, what date window it implies, and the concrete SQL
// sent to the source.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// templateCacheSize bounds the number of cached templates. The catalog is
// small, so in practice every template stays resident.
const templateCacheSize = 64

// A Loader reads SQL templates by file name from a root location, which is
// either a local directory or a gs:// prefix. Local roots are watched so an
// edited template takes effect without a restart.
type Loader struct {
	root  *url.URL
	dir   string // Local directory, when the root is not a remote URL.
	cache *lru.Cache[string, string]

	mu       sync.Mutex
	gsClient *storage.Client // Initialized on first use.

	watcher *fsnotify.Watcher
}

// NewLoader builds a Loader over the given root, which may be a plain
// directory path or a gs://bucket/prefix URL.
func NewLoader(root string) (*Loader, error) {
	var cache, err = lru.New[string, string](templateCacheSize)
	if err != nil {
		return nil, err
	}

	var parsed *url.URL
	if parsed, err = url.Parse(root); err != nil {
		return nil, fmt.Errorf("parsing template root %q: %w", root, err)
	}

	var l = &Loader{root: parsed, cache: cache}

	switch parsed.Scheme {
	case "gs":
		return l, nil
	case "", "file":
		l.dir = parsed.Path
		if parsed.Scheme == "" {
			l.dir = root
		}
	default:
		return nil, fmt.Errorf("unsupported template root scheme: %s", parsed.Scheme)
	}

	if l.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, fmt.Errorf("building template watcher: %w", err)
	}
	if err = l.watcher.Add(l.dir); err != nil {
		_ = l.watcher.Close()
		return nil, fmt.Errorf("watching template root %q: %w", l.dir, err)
	}
	go l.invalidate()

	return l, nil
}

// Load returns the named template, reading through the cache.
func (l *Loader) Load(ctx context.Context, name string) (string, error) {
	if body, ok := l.cache.Get(name); ok {
		return body, nil
	}

	var body string
	var err error
	if l.root.Scheme == "gs" {
		body, err = l.loadObject(ctx, name)
	} else {
		var raw []byte
		if raw, err = os.ReadFile(filepath.Join(l.dir, name)); err != nil {
			err = fmt.Errorf("reading template: %w", err)
		} else {
			body = string(raw)
		}
	}
	if err != nil {
		return "", err
	}

	l.cache.Add(name, body)
	log.WithField("template", name).Debug("loaded extraction template")
	return body, nil
}

func (l *Loader) loadObject(ctx context.Context, name string) (string, error) {
	// Building the client will fail if application default credentials
	// aren't located.
	l.mu.Lock()
	var err error
	if l.gsClient == nil {
		l.gsClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
	}
	l.mu.Unlock()

	if err != nil {
		return "", fmt.Errorf("building google storage client: %w", err)
	}

	var key = path.Join(strings.TrimPrefix(l.root.Path, "/"), name)
	var r *storage.Reader
	if r, err = l.gsClient.Bucket(l.root.Host).Object(key).NewReader(ctx); err != nil {
		return "", fmt.Errorf("opening gs://%s/%s: %w", l.root.Host, key, err)
	}
	defer r.Close()

	var raw []byte
	if raw, err = io.ReadAll(r); err != nil {
		return "", fmt.Errorf("reading gs://%s/%s: %w", l.root.Host, key, err)
	}
	return string(raw), nil
}

// invalidate drops cached templates when their files change on disk.
func (l *Loader) invalidate() {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".sql" {
				continue
			}
			var name = filepath.Base(ev.Name)
			if l.cache.Remove(name) {
				log.WithField("template", name).Info("extraction template changed; reloading on next use")
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("error", err).Warn("template watcher error")
		}
	}
}

// Close releases the watcher and any remote client.
func (l *Loader) Close() error {
	if l.watcher != nil {
		if err := l.watcher.Close(); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gsClient != nil {
		return l.gsClient.Close()
	}
	return nil
}
