package cmd

import (
	"fmt"
	"log/slog"
	"net/http"

	"mcpdock/internal/config"
	"mcpdock/internal/protocol"
	"mcpdock/internal/session"
	"mcpdock/internal/store"
)

// configPath is the --config persistent flag value.
var configPath string

// loadConfig resolves the config directory (flag, then the per-user
// default) and loads the application configuration from it.
func loadConfig() (config.AppConfig, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return config.AppConfig{}, err
		}
	}
	return config.LoadAppConfig(path)
}

// app bundles the long-lived pieces every command needs: the loaded
// configuration, the file-backed store, the session registry on top of
// it, and the protocol client fed by the registry's token cache.
type app struct {
	cfg      config.AppConfig
	st       *store.FileStore
	registry *session.Registry
	client   *protocol.Client
	watcher  *store.Watcher
}

// newApp constructs the application from the configured store
// directory. redirectBase is the callback origin used to default
// redirect URIs; commands that never start a callback server pass "".
func newApp(redirectBase string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.NewFileStore(cfg.StoreDir)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	registry, err := session.NewRegistry(session.RegistryConfig{
		Store:        st,
		RedirectBase: redirectBase,
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, err
	}

	// Pick up token changes written by other mcpdock processes while
	// this one runs. Best-effort: commands work without the watcher.
	watcher := store.NewWatcher(st, registry.OnExternalTokenChange)
	if err := watcher.Start(); err != nil {
		slog.Warn("store watcher unavailable", "error", err.Error())
		watcher = nil
	}

	client := protocol.NewClient(protocol.ClientConfig{
		Tokens:     registry.TokenCache(),
		HTTPClient: httpClient,
	})

	return &app{
		cfg:      cfg,
		st:       st,
		registry: registry,
		client:   client,
		watcher:  watcher,
	}, nil
}

// Close releases the watcher and the registry.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.registry.Close()
}

// resolveServer looks up a registered server by ID first, then by
// unique name.
func (a *app) resolveServer(nameOrID string) (*config.ServerDescriptor, error) {
	if d, ok := a.registry.GetServer(nameOrID); ok {
		return d, nil
	}

	var match *config.ServerDescriptor
	for _, d := range a.registry.ListServers() {
		if d.Name != nameOrID {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("server name %q is ambiguous, use the ID", nameOrID)
		}
		match = d
	}
	if match == nil {
		return nil, fmt.Errorf("no server named %q is registered", nameOrID)
	}
	return match, nil
}
