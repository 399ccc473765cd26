package state

import (
	"context"
	"testing"
)

func TestVarStoreSetGet(t *testing.T) {
	s := NewVarStore()
	ctx := context.Background()

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Error("missing key reported present")
	}

	if err := s.Set(ctx, "city", "Lisbon", "travel"); err != nil {
		t.Fatal(err)
	}
	val, ok, err := s.Get(ctx, "city")
	if err != nil || !ok || val != "Lisbon" {
		t.Errorf("Get = (%q, %v, %v)", val, ok, err)
	}

	// Overwrite wins.
	_ = s.Set(ctx, "city", "Porto", "")
	val, _, _ = s.Get(ctx, "city")
	if val != "Porto" {
		t.Errorf("after overwrite, Get = %q", val)
	}
}

func TestVarStoreSubstitute(t *testing.T) {
	s := NewVarStore()
	ctx := context.Background()
	_ = s.Set(ctx, "name", "Ada", "")
	_ = s.Set(ctx, "topic", "engines", "")

	cases := []struct {
		in, want string
	}{
		{"hello {{name}}", "hello Ada"},
		{"{{ name }} on {{topic}}", "Ada on engines"},
		{"no placeholders", "no placeholders"},
		{"keep {{unknown}} as-is", "keep {{unknown}} as-is"},
		{"{{name}}{{name}}", "AdaAda"},
		{"not a {{3bad}} identifier", "not a {{3bad}} identifier"},
	}
	for _, tc := range cases {
		got, err := s.Substitute(ctx, tc.in)
		if err != nil {
			t.Fatalf("Substitute(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("Substitute(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVarStoreList(t *testing.T) {
	s := NewVarStore()
	ctx := context.Background()
	_ = s.Set(ctx, "a", "1", "first")
	_ = s.Set(ctx, "b", "2", "")

	vars, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(vars) != 2 {
		t.Fatalf("List = %d entries", len(vars))
	}
	byKey := make(map[string]Variable)
	for _, v := range vars {
		byKey[v.Key] = v
	}
	if byKey["a"].Value != "1" || byKey["a"].Note != "first" {
		t.Errorf("a = %+v", byKey["a"])
	}
	if byKey["a"].UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestMemoryStoreAddSearchDelete(t *testing.T) {
	s := NewMemoryStore()

	m1, err := s.Add("likes strong coffee", "preference")
	if err != nil {
		t.Fatal(err)
	}
	m2, _ := s.Add("deploy window is Friday")

	if m1.ID == m2.ID {
		t.Error("ids must be unique")
	}
	if !m1.HasTag("preference") || m1.HasTag("other") {
		t.Errorf("tags = %v", m1.Tags)
	}

	found, err := s.Search("COFFEE")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != m1.ID {
		t.Errorf("Search = %+v", found)
	}

	all, _ := s.List()
	if len(all) != 2 {
		t.Errorf("List = %d", len(all))
	}

	if err := s.Delete(m1.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(m1.ID); err == nil {
		t.Error("double delete should fail")
	}
	all, _ = s.List()
	if len(all) != 1 || all[0].ID != m2.ID {
		t.Errorf("after delete, List = %+v", all)
	}
}
