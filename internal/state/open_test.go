package state

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := []struct {
		name string
		opts Options
	}{
		{"memory", Options{Backend: BackendMemory}},
		{"default", Options{}},
		{"pebble", Options{Backend: BackendPebble, Dir: t.TempDir()}},
		{"badger", Options{Backend: BackendBadger, Dir: t.TempDir()}},
		{"redis", Options{Backend: BackendRedis, RedisAddr: mr.Addr(), RedisNamespace: "open:"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			st, err := Open(ctx, tc.opts)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()
			if _, err := st.PutIfAbsent(ctx, hourKey("M1", 1), record("o1", 5)); err != nil {
				t.Fatalf("write: %v", err)
			}
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Options{Backend: "cassandra"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	_, err := Open(ctx, Options{Backend: BackendRedis, RedisAddr: "127.0.0.1:1"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
}
