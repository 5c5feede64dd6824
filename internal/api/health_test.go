package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

type healthData struct {
	Status     string `json:"status"`
	Postgres   string `json:"postgres"`
	Redis      string `json:"redis"`
	ReplicaID  string `json:"replica_id"`
	LocalUsers int    `json:"local_users"`
}

func probeHealth(t *testing.T, db, rdb Pinger) (int, healthData) {
	t.Helper()

	h := &HealthHandler{
		DB:         db,
		Redis:      rdb,
		ReplicaID:  "replica-1",
		LocalUsers: func() int { return 7 },
	}
	app := NewApp(h, zerolog.Nop())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env struct {
		Data healthData `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode body: %v\nraw: %s", err, body)
	}
	return resp.StatusCode, env.Data
}

func TestHealthOK(t *testing.T) {
	t.Parallel()

	status, data := probeHealth(t, fakePinger{}, fakePinger{})

	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if data.Status != "ok" || data.Postgres != "ok" || data.Redis != "ok" {
		t.Errorf("data = %+v, want all ok", data)
	}
	if data.ReplicaID != "replica-1" {
		t.Errorf("replica_id = %q, want %q", data.ReplicaID, "replica-1")
	}
	if data.LocalUsers != 7 {
		t.Errorf("local_users = %d, want 7", data.LocalUsers)
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	down := fakePinger{err: errors.New("connection refused")}

	tests := []struct {
		name         string
		db, rdb      Pinger
		wantPostgres string
		wantRedis    string
	}{
		{name: "postgres down", db: down, rdb: fakePinger{}, wantPostgres: "unavailable", wantRedis: "ok"},
		{name: "redis down", db: fakePinger{}, rdb: down, wantPostgres: "ok", wantRedis: "unavailable"},
		{name: "both down", db: down, rdb: down, wantPostgres: "unavailable", wantRedis: "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			status, data := probeHealth(t, tt.db, tt.rdb)

			if status != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want %d", status, http.StatusServiceUnavailable)
			}
			if data.Status != "degraded" {
				t.Errorf("status field = %q, want %q", data.Status, "degraded")
			}
			if data.Postgres != tt.wantPostgres {
				t.Errorf("postgres = %q, want %q", data.Postgres, tt.wantPostgres)
			}
			if data.Redis != tt.wantRedis {
				t.Errorf("redis = %q, want %q", data.Redis, tt.wantRedis)
			}
		})
	}
}
