//go:build integration
// +build integration

package main

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and returns its URL.
// Migrations are applied by the application itself.
func setupTestDB(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = postgres.Terminate(ctx) })

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func startNATS(t *testing.T) string {
	t.Helper()
	s, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

// TestEndToEnd_TwoInstances runs two servers over one database. A source
// uploaded through one instance must replace the rule cached by the other.
func TestEndToEnd_TwoInstances(t *testing.T) {
	databaseURL := setupTestDB(t)
	natsURL := startNATS(t)

	settings := map[string]any{
		"database.driver": "pgx",
		"database.url":    databaseURL,
		"nats.url":        natsURL,
	}
	_, first := newTestServer(t, settings)
	settings["database.driver"] = "postgres"
	_, second := newTestServer(t, settings)

	// Step 1: add an ad-hoc rule on the first instance
	makeRequest(t, http.MethodPost, first+"/rules", map[string]any{
		"name":   "statin",
		"type":   "lipids",
		"source": "subject.ldl > 190.0 ? dyn('Consider statin therapy') : null",
	})

	// Step 2: the second instance loads and caches it
	evaluate := map[string]any{
		"subject": map[string]any{"id": "p1", "facts": map[string]any{"ldl": 201.5}},
		"type":    "lipids",
	}
	res := results(t, makeRequest(t, http.MethodPost, second+"/evaluate", evaluate))
	require.Len(t, res, 1)
	assert.Equal(t, "Consider statin therapy", res[0]["payload"])

	// Step 3: replace the source through the first instance
	makeRequest(t, http.MethodPut, first+"/sources/statin", map[string]any{
		"source": "dyn('Start high-intensity statin')",
	})

	// Step 4: the second instance picks up the change once the event arrives
	require.Eventually(t, func() bool {
		res := results(t, makeRequest(t, http.MethodPost, second+"/evaluate", evaluate))
		return len(res) == 1 && res[0]["payload"] == "Start high-intensity statin"
	}, 10*time.Second, 100*time.Millisecond)

	// Step 5: built-in rules work against Postgres too
	makeRequest(t, http.MethodPost, second+"/rules", map[string]any{"name": "bmi", "type": "adult", "priority": 1})
	body := expectStatus(t, http.MethodPost, first+"/evaluate?format=text", map[string]any{
		"subject": map[string]any{"id": "p2", "facts": map[string]any{"weight_kg": 90, "height_m": 1.8}},
		"type":    "adult",
	}, http.StatusOK)
	assert.Equal(t, "27.8", body)
}
