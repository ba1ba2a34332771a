package main

import (
	"context"
	"reflect"
	"sort"
	"testing"
)

type memoryStore struct {
	rows map[string]map[string]string
}

func (m *memoryStore) ProjectIDs(_ context.Context, userID string) ([]string, error) {
	var ids []string
	for p := range m.rows[userID] {
		ids = append(ids, p)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryStore) AddMember(_ context.Context, userID, projectID, role string) error {
	if m.rows[userID] == nil {
		m.rows[userID] = map[string]string{}
	}
	m.rows[userID][projectID] = role
	return nil
}

func (m *memoryStore) RemoveMember(_ context.Context, userID, projectID string) error {
	delete(m.rows[userID], projectID)
	return nil
}

func TestRunAddRemove(t *testing.T) {
	store := &memoryStore{rows: map[string]map[string]string{}}
	var evicted []string
	evict := func(u string) { evicted = append(evicted, u) }
	ctx := context.Background()

	for _, args := range [][]string{
		{"add", "u1", "P1", "reviewer"},
		{"add", "u1", "P2"},
		{"remove", "u1", "P1"},
	} {
		if err := run(ctx, store, evict, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
	}
	if store.rows["u1"]["P2"] != "member" {
		t.Fatalf("expected default member role, got %+v", store.rows)
	}
	ids, _ := store.ProjectIDs(ctx, "u1")
	if !reflect.DeepEqual(ids, []string{"P2"}) {
		t.Fatalf("unexpected memberships %v", ids)
	}
	if len(evicted) != 3 {
		t.Fatalf("expected cache eviction per change, got %v", evicted)
	}
	if err := run(ctx, store, nil, []string{"list", "u1"}); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestRunRejectsBadArgs(t *testing.T) {
	store := &memoryStore{rows: map[string]map[string]string{}}
	for _, args := range [][]string{nil, {"add"}, {"add", "u1"}, {"rename", "u1", "P1"}} {
		if err := run(context.Background(), store, nil, args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}
