package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values map[string]string
	err    error
	asked  []string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.asked = append(f.asked, *in.Name)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[*in.Name]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: &v}}, nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Backend.Kind)
	require.Equal(t, 30*time.Second, cfg.Sync.Interval)
	require.Equal(t, 2*time.Second, cfg.ReadTracker.Window)
	require.Equal(t, 100, cfg.Sync.PageLimit)
	require.Equal(t, "voxsync:changes", cfg.Notify.Channel)
	require.Zero(t, cfg.Cache.EmptyConversationGrace)
	require.Empty(t, cfg.Source)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
[user]
uid = "alice"

[backend]
kind = "postgres"
dsn = "postgres://localhost/vox"

[sync]
interval = "45s"
page_limit = 20

[readtracker]
window = "500ms"
`)
	t.Setenv("VOXSYNC_SYNC_PAGE_LIMIT", "50")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.User.UID)
	require.Equal(t, BackendPostgres, cfg.Backend.Kind)
	require.Equal(t, 45*time.Second, cfg.Sync.Interval)
	require.Equal(t, 50, cfg.Sync.PageLimit)
	require.Equal(t, 500*time.Millisecond, cfg.ReadTracker.Window)
	require.Equal(t, path, cfg.Source)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
[backend]
kind = "postgres"

[sync]
interval = "0s"
`)
	_, err := Load(New(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend.dsn")
	require.Contains(t, err.Error(), "sync.interval")

	path = writeConfig(t, `
[backend]
kind = "mongodb"
`)
	_, err = Load(New(), path)
	require.ErrorContains(t, err, "mongodb")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestWriteFile_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.User.UID = "bob"
	cfg.Sync.Interval = time.Minute
	cfg.Cache.EmptyConversationGrace = time.Hour

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, WriteFile(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(New(), path)
	require.NoError(t, err)
	require.Equal(t, "bob", loaded.User.UID)
	require.Equal(t, time.Minute, loaded.Sync.Interval)
	require.Equal(t, time.Hour, loaded.Cache.EmptyConversationGrace)
}

func TestReadInterval(t *testing.T) {
	path := writeConfig(t, "[sync]\ninterval = \"5s\"\n")
	d, err := ReadInterval(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.API.JWTSecret = "hunter2"
	cfg.Backend.DSN = "ssm:///voxsync/dsn"

	s := cfg.Redacted()
	require.Equal(t, "********", s["api"].(map[string]any)["jwt_secret"])
	require.Equal(t, "ssm:///voxsync/dsn", s["backend"].(map[string]any)["dsn"])
	require.Equal(t, "hunter2", cfg.API.JWTSecret)
}

func TestResolveSecrets(t *testing.T) {
	api := &fakeSSM{values: map[string]string{
		"/voxsync/jwt": "s3cret",
		"/voxsync/dsn": "postgres://db/vox",
	}}
	store, err := NewParamStore(api)
	require.NoError(t, err)

	cfg := Default()
	cfg.API.JWTSecret = "ssm:///voxsync/jwt"
	cfg.Backend.DSN = "ssm:///voxsync/dsn"
	cfg.Notify.RedisURL = "redis://localhost:6379"
	require.True(t, cfg.HasSecretRefs())

	require.NoError(t, cfg.ResolveSecrets(context.Background(), store))
	require.Equal(t, "s3cret", cfg.API.JWTSecret)
	require.Equal(t, "postgres://db/vox", cfg.Backend.DSN)
	require.Equal(t, "redis://localhost:6379", cfg.Notify.RedisURL)
	require.Len(t, api.asked, 2)
	require.False(t, cfg.HasSecretRefs())
}

func TestResolveSecrets_Errors(t *testing.T) {
	_, err := NewParamStore(nil)
	require.Error(t, err)

	store, err := NewParamStore(&fakeSSM{err: errors.New("boom")})
	require.NoError(t, err)
	cfg := Default()
	cfg.API.JWTSecret = "ssm://jwt"
	err = cfg.ResolveSecrets(context.Background(), store)
	require.ErrorContains(t, err, "api.jwt_secret")
	require.ErrorContains(t, err, "boom")

	store, err = NewParamStore(&fakeSSM{values: map[string]string{}})
	require.NoError(t, err)
	err = cfg.ResolveSecrets(context.Background(), store)
	require.ErrorContains(t, err, "no value")

	_, err = store.Get(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}
