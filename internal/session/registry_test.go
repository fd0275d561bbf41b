package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mcpdock/internal/config"
	"mcpdock/internal/events"
	"mcpdock/internal/protocol"
	"mcpdock/internal/store"
)

func plainDescriptor(id, name string) *config.ServerDescriptor {
	return &config.ServerDescriptor{
		ID:          id,
		Name:        name,
		EndpointURL: "https://" + name + ".example.com/mcp",
		OIDC: config.OIDCConfig{
			IssuerURL: "https://dex.example.com",
			ClientID:  "mcpdock-client",
			Scopes:    []string{"openid", "email"},
		},
	}
}

func seedToken(t *testing.T, st store.Store, id string, expiresAt time.Time) {
	t.Helper()
	cache, err := NewTokenCache(st)
	if err != nil {
		t.Fatalf("Failed to build seeding cache: %v", err)
	}
	rec := &TokenRecord{
		IDToken:   "seed-token-" + id,
		ExpiresAt: expiresAt.Unix(),
		Identity:  Identity{Subject: "sub-" + id},
	}
	if err := cache.Put(id, rec); err != nil {
		t.Fatalf("Failed to seed token: %v", err)
	}
}

func TestRegisterServer_InvalidLeavesNothingBehind(t *testing.T) {
	st := store.NewMemStore()
	reg := newTestRegistry(t, st, nil)

	bad := plainDescriptor("srv-bad", "broken")
	bad.OIDC.Scopes = []string{"email"}

	err := reg.RegisterServer(context.Background(), bad)
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected *ConfigurationError, got %v", err)
	}

	if _, ok := reg.GetServer("srv-bad"); ok {
		t.Error("Expected nothing registered")
	}
	if _, ok, _ := st.Get(store.KeyServers); ok {
		t.Error("Expected nothing persisted")
	}
}

func TestRegisterServer_AssignsID(t *testing.T) {
	reg := newTestRegistry(t, store.NewMemStore(), nil)

	d := plainDescriptor("", "grafana")
	if err := reg.RegisterServer(context.Background(), d); err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}
	if d.ID == "" {
		t.Fatal("Expected a generated ID")
	}
	if got, ok := reg.GetServer(d.ID); !ok || got.Status != config.StatusDisconnected {
		t.Errorf("Expected disconnected descriptor under generated ID, ok=%v", ok)
	}
}

func TestRegistry_DescriptorsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	reg1 := newTestRegistry(t, st, nil)
	if err := reg1.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}
	reg1.Close()

	reg2 := newTestRegistry(t, st, nil)
	d, ok := reg2.GetServer("srv-1")
	if !ok {
		t.Fatal("Expected descriptor after restart")
	}
	if d.Name != "grafana" {
		t.Errorf("Expected name grafana, got %q", d.Name)
	}

	// No in-memory session yet; lookup rebuilds one from the store.
	if _, ok := reg2.GetOrRecreateSession(ctx, "srv-1"); !ok {
		t.Error("Expected session rebuilt from persisted descriptor")
	}
	if _, ok := reg2.GetOrRecreateSession(ctx, "ghost"); ok {
		t.Error("Expected no session for unknown server")
	}
}

func TestRegisterServer_RestoresPersistedUser(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedToken(t, st, "srv-1", time.Now().Add(time.Hour))

	reg := newTestRegistry(t, st, nil)

	evs, cancel := reg.Bus().Subscribe()
	defer cancel()

	if err := reg.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}

	if !reg.IsAuthenticated("srv-1") {
		t.Error("Expected restored user to count as authenticated")
	}
	if d, _ := reg.GetServer("srv-1"); d.Status != config.StatusConnected {
		t.Errorf("Expected status connected after restore, got %q", d.Status)
	}

	select {
	case ev := <-evs:
		if ev.Type != events.TypeStatusChanged && ev.Type != events.TypeTokenUpdated {
			t.Errorf("Unexpected event %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected restore to announce events")
	}
}

func TestRegisterServer_IgnoresExpiredPersistedUser(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedToken(t, st, "srv-1", time.Now().Add(-time.Minute))

	reg := newTestRegistry(t, st, nil)
	if err := reg.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
		t.Fatalf("RegisterServer failed: %v", err)
	}

	if reg.IsAuthenticated("srv-1") {
		t.Error("Expected expired record to not restore a user")
	}
	if d, _ := reg.GetServer("srv-1"); d.Status != config.StatusDisconnected {
		t.Errorf("Expected status disconnected, got %q", d.Status)
	}
}

func TestDeregisterServer_PurgesOnlyItsNamespace(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedToken(t, st, "srv-1", time.Now().Add(time.Hour))
	seedToken(t, st, "srv-2", time.Now().Add(time.Hour))

	reg := newTestRegistry(t, st, nil)
	if err := reg.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterServer(ctx, plainDescriptor("srv-2", "prometheus")); err != nil {
		t.Fatal(err)
	}

	// Leftover per-session scratch for both servers.
	_ = st.Set(store.SessionKeyPrefix("srv-1")+"flow", "{}")
	_ = st.Set(store.SessionKeyPrefix("srv-2")+"flow", "{}")

	evs, cancel := reg.Bus().Subscribe()
	defer cancel()

	if err := reg.DeregisterServer(ctx, "srv-1"); err != nil {
		t.Fatalf("DeregisterServer failed: %v", err)
	}

	if _, ok := reg.GetServer("srv-1"); ok {
		t.Error("Expected descriptor removed")
	}
	if reg.IsAuthenticated("srv-1") {
		t.Error("Expected token removed")
	}
	if keys, _ := st.Keys(store.SessionKeyPrefix("srv-1")); len(keys) != 0 {
		t.Errorf("Expected srv-1 namespace empty, found %v", keys)
	}

	// Nothing belonging to srv-2 may be touched.
	if !reg.IsAuthenticated("srv-2") {
		t.Error("Expected srv-2 token untouched")
	}
	if keys, _ := st.Keys(store.SessionKeyPrefix("srv-2")); len(keys) != 1 {
		t.Errorf("Expected srv-2 scratch untouched, found %v", keys)
	}
	if _, ok := reg.GetServer("srv-2"); !ok {
		t.Error("Expected srv-2 descriptor untouched")
	}

	select {
	case ev := <-evs:
		if ev.Type != events.TypeTokenRemoved || ev.ServerID != "srv-1" {
			t.Errorf("Expected token-removed for srv-1, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a token-removed event")
	}

	// Deregistering again is a no-op.
	if err := reg.DeregisterServer(ctx, "srv-1"); err != nil {
		t.Errorf("Second deregister should be a no-op, got %v", err)
	}
}

func TestUpdateServer_OIDCChangeDropsSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	reg := newTestRegistry(t, st, nil)

	if err := reg.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
		t.Fatal(err)
	}
	s1, ok := reg.GetOrRecreateSession(ctx, "srv-1")
	if !ok {
		t.Fatal("Expected session")
	}

	updated := plainDescriptor("srv-1", "grafana")
	updated.OIDC.ClientID = "different-client"
	if err := reg.UpdateServer(ctx, updated); err != nil {
		t.Fatalf("UpdateServer failed: %v", err)
	}

	s2, ok := reg.GetOrRecreateSession(ctx, "srv-1")
	if !ok {
		t.Fatal("Expected session rebuilt")
	}
	if s1 == s2 {
		t.Error("Expected a new session after an OIDC configuration change")
	}

	// A cosmetic change keeps the session.
	renamed := plainDescriptor("srv-1", "grafana")
	renamed.OIDC.ClientID = "different-client"
	renamed.Description = "observability"
	if err := reg.UpdateServer(ctx, renamed); err != nil {
		t.Fatalf("UpdateServer failed: %v", err)
	}
	s3, _ := reg.GetOrRecreateSession(ctx, "srv-1")
	if s2 != s3 {
		t.Error("Expected session kept when OIDC configuration is unchanged")
	}
}

func TestStatusTransitions_FetchFailureAndRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	seedToken(t, st, "srv-1", time.Now().Add(time.Hour))

	reg := newTestRegistry(t, st, nil)
	if err := reg.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
		t.Fatal(err)
	}
	if d, _ := reg.GetServer("srv-1"); d.Status != config.StatusConnected {
		t.Fatalf("Precondition: expected connected, got %q", d.Status)
	}

	reg.MarkFetchFailure("srv-1", errors.New("boom"))
	if d, _ := reg.GetServer("srv-1"); d.Status != config.StatusError {
		t.Errorf("Expected error status after fetch failure, got %q", d.Status)
	}

	// A successful tool refresh recovers the status.
	tools := []config.ToolDescriptor{{Name: "echo"}}
	if err := reg.UpdateTools("srv-1", tools); err != nil {
		t.Fatalf("UpdateTools failed: %v", err)
	}
	d, _ := reg.GetServer("srv-1")
	if d.Status != config.StatusConnected {
		t.Errorf("Expected connected after successful refresh, got %q", d.Status)
	}
	if len(d.Tools) != 1 || d.Tools[0].Name != "echo" {
		t.Errorf("Expected tools replaced, got %+v", d.Tools)
	}
}

func TestMarkFetchFailure_IgnoredWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, store.NewMemStore(), nil)
	if err := reg.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
		t.Fatal(err)
	}

	reg.MarkFetchFailure("srv-1", errors.New("boom"))
	if d, _ := reg.GetServer("srv-1"); d.Status != config.StatusDisconnected {
		t.Errorf("Expected disconnected to stay put, got %q", d.Status)
	}
}

func TestMarkFetchFailure_AuthClassErrorsDisconnect(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name  string
		cause error
	}{
		{"missing token", &protocol.MissingTokenError{ServerID: "srv-1"}},
		{"rejected token", &protocol.AuthenticationError{ServerID: "srv-1"}},
		{"wrapped missing token", fmt.Errorf("listing tools: %w", &protocol.MissingTokenError{ServerID: "srv-1"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemStore()
			seedToken(t, st, "srv-1", time.Now().Add(time.Hour))

			reg := newTestRegistry(t, st, nil)
			if err := reg.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
				t.Fatal(err)
			}
			if d, _ := reg.GetServer("srv-1"); d.Status != config.StatusConnected {
				t.Fatalf("Precondition: expected connected, got %q", d.Status)
			}

			reg.MarkFetchFailure("srv-1", tc.cause)

			d, _ := reg.GetServer("srv-1")
			if d.Status != config.StatusDisconnected {
				t.Errorf("Expected disconnected after auth-class failure, got %q", d.Status)
			}
		})
	}
}

func TestOnExternalTokenChange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	reg := newTestRegistry(t, st, nil)
	if err := reg.RegisterServer(ctx, plainDescriptor("srv-1", "grafana")); err != nil {
		t.Fatal(err)
	}
	if reg.IsAuthenticated("srv-1") {
		t.Fatal("Precondition: not authenticated")
	}

	evs, cancel := reg.Bus().Subscribe()
	defer cancel()

	// Another process writes a token record.
	seedToken(t, st, "srv-1", time.Now().Add(time.Hour))

	reg.OnExternalTokenChange()

	if !reg.IsAuthenticated("srv-1") {
		t.Error("Expected externally written token picked up")
	}
	sawUpdate := false
	for !sawUpdate {
		select {
		case ev := <-evs:
			if ev.Type == events.TypeTokenUpdated && ev.ServerID == "srv-1" {
				sawUpdate = true
			}
		case <-time.After(time.Second):
			t.Fatal("Expected a token-updated event")
		}
	}
}

func TestListServers_SortedByName(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, store.NewMemStore(), nil)

	for _, d := range []*config.ServerDescriptor{
		plainDescriptor("srv-1", "zookeeper"),
		plainDescriptor("srv-2", "alertmanager"),
		plainDescriptor("srv-3", "grafana"),
	} {
		if err := reg.RegisterServer(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	servers := reg.ListServers()
	if len(servers) != 3 {
		t.Fatalf("Expected 3 servers, got %d", len(servers))
	}
	want := []string{"alertmanager", "grafana", "zookeeper"}
	for i, name := range want {
		if servers[i].Name != name {
			t.Errorf("Position %d: expected %q, got %q", i, name, servers[i].Name)
		}
	}
}
