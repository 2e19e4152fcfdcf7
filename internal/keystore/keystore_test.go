package keystore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/basket/recall/internal/config"
	"github.com/basket/recall/internal/keystore"
)

func TestOpen_PingsBeforeReturning(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := keystore.Open(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()

	if err := client.Healthy(context.Background()); err != nil {
		t.Fatalf("healthy: %v", err)
	}
	if client.Redis() == nil {
		t.Fatal("underlying client missing")
	}
}

func TestOpen_FailsFastOnUnreachableStore(t *testing.T) {
	_, err := keystore.Open(context.Background(), config.RedisConfig{
		Addr:               "127.0.0.1:1", // nothing listens here
		DialTimeoutSeconds: 1,
	})
	if err == nil {
		t.Fatal("expected a dial error")
	}
}

func TestHealthy_DetectsOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := keystore.Open(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()

	mr.Close()
	if err := client.Healthy(context.Background()); err == nil {
		t.Fatal("expected ping failure after store shutdown")
	}
}
