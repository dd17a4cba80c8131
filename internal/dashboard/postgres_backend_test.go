package dashboard

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresBackend(t *testing.T) (*PostgresStateBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock setup failed: %v", err)
	}
	backend, err := NewPostgresStateBackend("postgres://localhost/adsync?sslmode=disable")
	if err != nil {
		t.Fatalf("new postgres backend failed: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.openDB = func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "postgres" {
			t.Fatalf("expected postgres driver, got %s", driverName)
		}
		return db, nil
	}
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "adsync_state"`).WillReturnResult(sqlmock.NewResult(0, 0))
	return pg, mock
}

func TestPostgresStateBackendSaveLoadPurge(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)
	state := &PersistedState{
		Version: persistedStateVersion,
		Store:   StoreSnapshot{Products: []Product{{ID: "p1", Status: StatusEnriched}}},
	}
	payload, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal state failed: %v", err)
	}

	mock.ExpectExec(`INSERT INTO "adsync_state" \(state_key,snapshot,updated_at\) VALUES \(\$1,\$2,NOW\(\)\) ON CONFLICT \(state_key\)`).
		WithArgs(postgresStateKey, string(payload)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT snapshot FROM "adsync_state" WHERE state_key = \$1`).
		WithArgs(postgresStateKey).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(string(payload)))
	mock.ExpectExec(`DELETE FROM "adsync_state" WHERE state_key = \$1`).
		WithArgs(postgresStateKey).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT snapshot FROM "adsync_state"`).
		WithArgs(postgresStateKey).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}))
	mock.ExpectClose()

	if err := backend.Save(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil || len(loaded.Store.Products) != 1 || loaded.Store.Products[0].Status != StatusEnriched {
		t.Fatalf("unexpected loaded state %+v", loaded)
	}
	if err := backend.Purge(); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	loaded, err = backend.Load()
	if err != nil {
		t.Fatalf("load after purge failed: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected no state after purge, got %+v", loaded)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestPostgresStateBackendSurfacesInitError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock setup failed: %v", err)
	}
	backend, _ := NewPostgresStateBackend("postgres://localhost/adsync")
	pg := backend.(*PostgresStateBackend)
	pg.openDB = func(string, string) (*sql.DB, error) { return db, nil }
	boom := errors.New("permission denied")
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnError(boom)
	mock.ExpectClose()

	if _, err := pg.Load(); !errors.Is(err, boom) {
		t.Fatalf("expected init error, got %v", err)
	}
	if err := pg.Save(&PersistedState{}); !errors.Is(err, boom) {
		t.Fatalf("expected cached init error on save, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestNewPostgresStateBackendRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStateBackend("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
