package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()
}

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("empty data dir accepted")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	// Reopening must not re-run applied migrations.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = db.Close()
}

func TestVarStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	vars := NewVarStore(db)
	ctx := context.Background()

	if _, ok, err := vars.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}

	if err := vars.Set(ctx, "token", "abc", "api access"); err != nil {
		t.Fatal(err)
	}
	val, ok, err := vars.Get(ctx, "token")
	if err != nil || !ok || val != "abc" {
		t.Errorf("Get = (%q, %v, %v)", val, ok, err)
	}

	// Upsert replaces, never duplicates.
	if err := vars.Set(ctx, "token", "xyz", ""); err != nil {
		t.Fatal(err)
	}
	list, err := vars.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("List = %d entries after upsert", len(list))
	}
	if list[0].Value != "xyz" {
		t.Errorf("value = %q", list[0].Value)
	}
	if list[0].UpdatedAt.IsZero() {
		t.Error("UpdatedAt not persisted")
	}
}

func TestVarStoreSubstitute(t *testing.T) {
	db := openTestDB(t)
	vars := NewVarStore(db)
	ctx := context.Background()
	_ = vars.Set(ctx, "env", "staging", "")

	got, err := vars.Substitute(ctx, "deploy to {{env}} not {{other}}")
	if err != nil {
		t.Fatal(err)
	}
	if got != "deploy to staging not {{other}}" {
		t.Errorf("Substitute = %q", got)
	}
}

func TestVarStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := NewVarStore(db).Set(context.Background(), "k", "v", ""); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	val, ok, err := NewVarStore(db).Get(context.Background(), "k")
	if err != nil || !ok || val != "v" {
		t.Errorf("after reopen, Get = (%q, %v, %v)", val, ok, err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	memories := NewMemoryStore(db)

	m1, err := memories.Add("prefers short answers", "style", "preference")
	if err != nil {
		t.Fatal(err)
	}
	if m1.ID == "" || m1.CreatedAt.IsZero() {
		t.Errorf("memory = %+v", m1)
	}
	m2, _ := memories.Add("project deadline is September")

	found, err := memories.Search("SHORT")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != m1.ID {
		t.Fatalf("Search = %+v", found)
	}
	if len(found[0].Tags) != 2 || !found[0].HasTag("style") {
		t.Errorf("tags = %v", found[0].Tags)
	}

	all, err := memories.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("List = %d", len(all))
	}

	if err := memories.Delete(m2.ID); err != nil {
		t.Fatal(err)
	}
	if err := memories.Delete(m2.ID); err == nil {
		t.Error("deleting a missing memory should fail")
	}
}
