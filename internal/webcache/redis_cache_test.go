package webcache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func testCache(t *testing.T, version int) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisCache(mr.Addr(), "", 0, version, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestMatchAfterPut(t *testing.T) {
	c, _ := testCache(t, 3)
	ctx := context.Background()

	want := &CachedResponse{Status: 200, ContentType: "text/html", Body: []byte("<html>fichas</html>")}
	if err := c.Put(ctx, "/collections/list/", want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := c.Match(ctx, "/collections/list/")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Status != want.Status || got.ContentType != want.ContentType || string(got.Body) != string(want.Body) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMatchMissIsNotAnError(t *testing.T) {
	c, _ := testCache(t, 3)

	got, ok, err := c.Match(context.Background(), "/collections/list/")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if ok || got != nil {
		t.Fatal("expected a clean miss")
	}
}

func TestActivatePrunesOtherVersions(t *testing.T) {
	ctx := context.Background()
	old, mr := testCache(t, 2)
	if err := old.Put(ctx, "/collections/list/", &CachedResponse{Status: 200, Body: []byte("old")}); err != nil {
		t.Fatalf("put old: %v", err)
	}

	cur := NewRedisCache(mr.Addr(), "", 0, 3, zap.NewNop())
	defer cur.Close()
	if err := cur.Put(ctx, "/collections/list/", &CachedResponse{Status: 200, Body: []byte("new")}); err != nil {
		t.Fatalf("put new: %v", err)
	}

	if err := cur.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, ok, _ := old.Match(ctx, "/collections/list/"); ok {
		t.Fatal("previous version entry survived activation")
	}
	got, ok, err := cur.Match(ctx, "/collections/list/")
	if err != nil || !ok {
		t.Fatalf("active version entry lost: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "new" {
		t.Fatalf("body = %q, want %q", got.Body, "new")
	}
}
