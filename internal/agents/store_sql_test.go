package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockDB(t *testing.T, driver string) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock, newSQLStore(db, driver)
}

func TestSQLStoreSave(t *testing.T) {
	tests := []struct {
		name      string
		record    *StateRecord
		setupMock func(sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name:   "upsert",
			record: &StateRecord{AgentName: "planner", ThreadID: "t1", NodeName: "plan", State: json.RawMessage(`{"step":1}`)},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO agent_states").
					WithArgs("planner", "t1", "plan", `{"step":1}`, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:   "empty state stored as null",
			record: &StateRecord{AgentName: "planner", ThreadID: "t2"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO agent_states").
					WithArgs("planner", "t2", "", "null", sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:      "missing keys",
			record:    &StateRecord{AgentName: "planner"},
			setupMock: func(sqlmock.Sqlmock) {},
			wantErr:   true,
		},
		{
			name:   "database error",
			record: &StateRecord{AgentName: "planner", ThreadID: "t1"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO agent_states").WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t, "postgres")
			tt.setupMock(mock)

			err := store.Save(context.Background(), tt.record)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Save() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStoreLoad(t *testing.T) {
	now := time.Now().UTC()
	columns := []string{"node_name", "state", "updated_at"}

	t.Run("found", func(t *testing.T) {
		_, mock, store := setupMockDB(t, "postgres")
		mock.ExpectQuery("SELECT node_name, state, updated_at").
			WithArgs("planner", "t1").
			WillReturnRows(sqlmock.NewRows(columns).AddRow("plan", `{"step":1}`, now))

		record, err := store.Load(context.Background(), "planner", "t1")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if record.NodeName != "plan" || string(record.State) != `{"step":1}` || !record.UpdatedAt.Equal(now) {
			t.Errorf("record = %+v", record)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, mock, store := setupMockDB(t, "postgres")
		mock.ExpectQuery("SELECT node_name, state, updated_at").
			WithArgs("planner", "nope").
			WillReturnRows(sqlmock.NewRows(columns))

		if _, err := store.Load(context.Background(), "planner", "nope"); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("Load() error = %v, want ErrStateNotFound", err)
		}
	})

	t.Run("database error", func(t *testing.T) {
		_, mock, store := setupMockDB(t, "postgres")
		mock.ExpectQuery("SELECT node_name, state, updated_at").WillReturnError(errors.New("timeout"))

		_, err := store.Load(context.Background(), "planner", "t1")
		if err == nil || errors.Is(err, ErrStateNotFound) {
			t.Errorf("Load() error = %v, want a wrapped database error", err)
		}
	})
}

func TestSQLStoreDelete(t *testing.T) {
	_, mock, store := setupMockDB(t, "sqlite")
	mock.ExpectExec("DELETE FROM agent_states").
		WithArgs("planner", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Delete(context.Background(), "planner", "t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStoreRebind(t *testing.T) {
	query := "SELECT a FROM t WHERE x = $1 AND y = $2"

	pg := newSQLStore(nil, "postgres")
	if got := pg.rebind(query); got != query {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := newSQLStore(nil, "sqlite")
	if got := lite.rebind(query); got != "SELECT a FROM t WHERE x = ? AND y = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestNewSQLStoreValidatesConfig(t *testing.T) {
	if _, err := NewSQLStore(SQLConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := NewSQLStore(SQLConfig{Driver: "sqlite"}); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLStore(SQLConfig{Driver: "sqlite", DSN: "file:" + t.TempDir() + "/state.db"})
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Save(ctx, &StateRecord{AgentName: "a", ThreadID: "t", NodeName: "n1", State: json.RawMessage(`{"v":1}`)}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, &StateRecord{AgentName: "a", ThreadID: "t", NodeName: "n2", State: json.RawMessage(`{"v":2}`)}); err != nil {
		t.Fatal(err)
	}
	record, err := store.Load(ctx, "a", "t")
	if err != nil {
		t.Fatal(err)
	}
	if record.NodeName != "n2" || string(record.State) != `{"v":2}` {
		t.Errorf("record = %+v, want the second save", record)
	}
	if err := store.Delete(ctx, "a", "t"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "a", "t"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Load() after Delete error = %v", err)
	}
}
