package fieldsync

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

type BackendFactory func(dsn string, clock Clock) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory installs a constructor for a DSN scheme. Registered
// schemes take precedence over the built-in ones.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN picks a backend by DSN scheme: memory://, file://path,
// sqlite://path, postgres://... An empty DSN means memory.
func BuildBackendFromDSN(dsn string, clock Clock) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(clock), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn, clock)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(clock), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		backend, err := NewFileBackend(path, clock)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		backend, err := NewSQLiteBackend(path, clock)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "postgres", "postgresql":
		backend, err := NewPostgresBackend(dsn, clock)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "mysql":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
}

// dsnPath accepts file:///abs/path, file://rel/path and bare paths.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	if parsed.Opaque != "" {
		return strings.TrimSpace(parsed.Opaque), nil
	}
	path := strings.TrimSpace(parsed.Path)
	host := strings.TrimSpace(parsed.Host)
	switch {
	case host != "" && path != "":
		return filepath.Join(host, path), nil
	case host != "":
		return host, nil
	case path != "":
		return path, nil
	default:
		return "", ErrInvalidInput
	}
}
