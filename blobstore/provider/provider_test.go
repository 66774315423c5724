package provider

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duke-GCB/toil/config"
)

func locator(t *testing.T, s string) config.Locator {
	t.Helper()
	loc, err := config.ParseLocator(s)
	require.NoError(t, err)
	return loc
}

func TestOpenMem(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}

	b, err := Open(ctx, cfg, locator(t, "mem:x"), Deps{})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "x--toil", b.Name())
	require.NoError(t, b.Create(ctx))
	require.NoError(t, b.Upload(ctx, "k", bytes.NewReader([]byte("v")), nil))

	var out bytes.Buffer
	require.NoError(t, b.Download(ctx, "k", &out))
	assert.Equal(t, "v", out.String())
}

func TestOpenFile(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}

	_, err := Open(ctx, cfg, locator(t, "file:x"), Deps{})
	assert.Error(t, err, "file locators need a file:// URL")

	cfg.GoCloud.URL = "file://" + t.TempDir()
	b, err := Open(ctx, cfg, locator(t, "file:x"), Deps{})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Create(ctx))
	require.NoError(t, b.Open(ctx))
}

func TestOpenMinioNeedsEndpoint(t *testing.T) {
	b, err := Open(context.Background(), &config.Config{}, locator(t, "minio:x"), Deps{})
	assert.Error(t, err)
	assert.Nil(t, b, "a failed open must not hand back a typed nil bucket")
}

func TestOpenMongoDBNeedsURI(t *testing.T) {
	b, err := Open(context.Background(), &config.Config{}, locator(t, "mongodb:x"), Deps{})
	assert.Error(t, err)
	assert.Nil(t, b)
}

func TestOpenRedis(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Redis.Address = s.Addr()

	b, err := Open(ctx, cfg, locator(t, "redis:x"), Deps{})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "x--toil", b.Name())
	require.NoError(t, b.Create(ctx))
	require.NoError(t, b.Open(ctx))
}

func TestOpenUnknownProvider(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{}, config.Locator{Provider: "ftp", Name: "x"}, Deps{})
	assert.ErrorContains(t, err, "unsupported provider")
}
