package storage

import (
	"context"
	"database/sql"
	"os"
	"reflect"
	"testing"

	_ "github.com/lib/pq"
)

func TestEscapeODataString(t *testing.T) {
	if got := escapeODataString("o'brien"); got != "o''brien" {
		t.Fatalf("unexpected escape %q", got)
	}
}

func TestNewRejectsBadConnectionString(t *testing.T) {
	if _, err := New("not-a-connection-string", "members", ""); err == nil {
		t.Fatalf("expected error for malformed connection string")
	}
}

func TestDequeueWithoutQueue(t *testing.T) {
	s := &Storage{}
	if _, err := s.Dequeue(context.Background()); err == nil {
		t.Fatalf("expected error without queue")
	}
	if err := s.Delete(context.Background(), "id", "receipt"); err == nil {
		t.Fatalf("expected error without queue")
	}
}

// TestPostgresProjectIDs runs against a real database when DATABASE_URL is set.
func TestPostgresProjectIDs(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	// temp tables are per connection
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TEMP TABLE project_members (project_id TEXT NOT NULL, user_id TEXT NOT NULL, role TEXT NOT NULL)`,
		`INSERT INTO project_members VALUES ('P2','u1','reviewer'), ('P1','u1','member'), ('P3','u2','member')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("prepare: %v", err)
		}
	}
	ids, err := NewPostgres(db).ProjectIDs(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ProjectIDs returned error: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"P1", "P2"}) {
		t.Fatalf("unexpected ids %v", ids)
	}
}

// TestTableMembership runs against Azurite or a storage account when
// AZURE_STORAGE_TEST_CONNECTION_STRING is set.
func TestTableMembership(t *testing.T) {
	connStr := os.Getenv("AZURE_STORAGE_TEST_CONNECTION_STRING")
	if connStr == "" {
		t.Skip("AZURE_STORAGE_TEST_CONNECTION_STRING not set")
	}
	s, err := New(connStr, "membersit", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := s.Provision(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}
	t.Cleanup(func() {
		for _, p := range []string{"P1", "P2"} {
			_ = s.RemoveMember(ctx, "o'neil", p)
		}
	})

	if err := s.AddMember(ctx, "o'neil", "P2", "reviewer"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddMember(ctx, "o'neil", "P1", "member"); err != nil {
		t.Fatalf("add: %v", err)
	}
	ids, err := s.ProjectIDs(ctx, "o'neil")
	if err != nil {
		t.Fatalf("ProjectIDs: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"P1", "P2"}) {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := s.RemoveMember(ctx, "o'neil", "P1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveMember(ctx, "o'neil", "P1"); err != nil {
		t.Fatalf("removing a missing row should succeed: %v", err)
	}
	if ids, _ := s.ProjectIDs(ctx, "o'neil"); !reflect.DeepEqual(ids, []string{"P2"}) {
		t.Fatalf("unexpected ids after remove %v", ids)
	}
}
