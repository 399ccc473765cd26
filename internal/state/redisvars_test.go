package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisVars(t *testing.T) *RedisVars {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisVarsFromClient(client)
}

func TestRedisVarsSetGet(t *testing.T) {
	s := newTestRedisVars(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "region", "eu-west", "deployment"); err != nil {
		t.Fatal(err)
	}
	val, ok, err := s.Get(ctx, "region")
	if err != nil || !ok || val != "eu-west" {
		t.Errorf("Get = (%q, %v, %v)", val, ok, err)
	}

	_ = s.Set(ctx, "region", "us-east", "")
	val, _, _ = s.Get(ctx, "region")
	if val != "us-east" {
		t.Errorf("after overwrite, Get = %q", val)
	}
}

func TestRedisVarsSubstitute(t *testing.T) {
	s := newTestRedisVars(t)
	ctx := context.Background()
	_ = s.Set(ctx, "host", "db1", "")

	got, err := s.Substitute(ctx, "connect to {{host}} or {{fallback}}")
	if err != nil {
		t.Fatal(err)
	}
	if got != "connect to db1 or {{fallback}}" {
		t.Errorf("Substitute = %q", got)
	}
}

func TestRedisVarsList(t *testing.T) {
	s := newTestRedisVars(t)
	ctx := context.Background()
	_ = s.Set(ctx, "a", "1", "note a")
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
	if byKey["a"].Value != "1" || byKey["a"].Note != "note a" {
		t.Errorf("a = %+v", byKey["a"])
	}
	if byKey["a"].UpdatedAt.IsZero() {
		t.Error("UpdatedAt not parsed")
	}
}
