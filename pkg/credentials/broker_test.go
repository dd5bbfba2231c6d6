//go:build linux || darwin

package credentials

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/remedy/pkg/config"
)

// TestMain lets the test binary double as the holder executable: the
// broker respawns os.Executable() with the holder subcommand, which in a
// test run is this binary.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == HolderSubcommand {
		if err := RunHolder(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type fakeSource struct {
	materials map[string]*Material
	err       error
}

func (s *fakeSource) Lookup(_ context.Context, ref string) (*Material, error) {
	if s.err != nil {
		return nil, s.err
	}
	m, ok := s.materials[ref]
	if !ok {
		return nil, fmt.Errorf("credential %q not found", ref)
	}
	// Fetch zeroes the secret it is given, so hand out a copy.
	cp := *m
	cp.Secret = append([]byte(nil), m.Secret...)
	return &cp, nil
}

func testSource() *fakeSource {
	return &fakeSource{materials: map[string]*Material{
		"db-1/postgres": {Kind: "password", Username: "svc_remedy", Version: "v3", Secret: []byte("p4ssw0rd")},
	}}
}

func testBroker(t *testing.T, cfg config.CredentialsConfig) *Broker {
	t.Helper()
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	if cfg.ReleaseGrace == 0 {
		cfg.ReleaseGrace = time.Minute
	}
	b, err := NewBroker(cfg, testSource())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBroker_FetchAndUse(t *testing.T) {
	b := testBroker(t, config.CredentialsConfig{})

	h, err := b.Fetch(context.Background(), "db-1/postgres")
	require.NoError(t, err)
	assert.Equal(t, "password", h.Kind)
	assert.Equal(t, "svc_remedy", h.Username)
	assert.Equal(t, "v3", h.Version)
	assert.Equal(t, 1, b.ActiveLeases())

	var got []byte
	err = h.Use(func(secret []byte) error {
		got = append([]byte(nil), secret...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("p4ssw0rd"), got)

	// The handle stays usable across multiple borrows.
	require.NoError(t, h.Use(func([]byte) error { return nil }))

	b.Release(h)
	assert.Zero(t, b.ActiveLeases())
}

func TestBroker_UseZeroesBufferAfterCallback(t *testing.T) {
	b := testBroker(t, config.CredentialsConfig{})

	h, err := b.Fetch(context.Background(), "db-1/postgres")
	require.NoError(t, err)
	defer b.Release(h)

	var borrowed []byte
	require.NoError(t, h.Use(func(secret []byte) error {
		borrowed = secret
		return nil
	}))
	assert.Equal(t, make([]byte, len("p4ssw0rd")), borrowed)
}

func TestBroker_UseAfterRelease(t *testing.T) {
	b := testBroker(t, config.CredentialsConfig{})

	h, err := b.Fetch(context.Background(), "db-1/postgres")
	require.NoError(t, err)

	b.Release(h)
	err = h.Use(func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrHandleReleased)

	// Double release is a no-op.
	b.Release(h)
}

func TestBroker_UseAfterExpiry(t *testing.T) {
	b := testBroker(t, config.CredentialsConfig{
		TTL:          20 * time.Millisecond,
		ReleaseGrace: time.Minute,
	})

	h, err := b.Fetch(context.Background(), "db-1/postgres")
	require.NoError(t, err)
	defer b.Release(h)

	time.Sleep(50 * time.Millisecond)
	err = h.Use(func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrHandleExpired)
}

func TestBroker_ReclaimAfterGrace(t *testing.T) {
	b := testBroker(t, config.CredentialsConfig{
		TTL:          10 * time.Millisecond,
		ReleaseGrace: 10 * time.Millisecond,
	})

	_, err := b.Fetch(context.Background(), "db-1/postgres")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return b.ActiveLeases() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestBroker_Invalidate(t *testing.T) {
	b := testBroker(t, config.CredentialsConfig{})

	h1, err := b.Fetch(context.Background(), "db-1/postgres")
	require.NoError(t, err)
	h2, err := b.Fetch(context.Background(), "db-1/postgres")
	require.NoError(t, err)
	require.Equal(t, 2, b.ActiveLeases())

	assert.Equal(t, 2, b.Invalidate("db-1/postgres"))
	assert.Zero(t, b.ActiveLeases())

	assert.ErrorIs(t, h1.Use(func([]byte) error { return nil }), ErrCredentialInvalidated)
	assert.ErrorIs(t, h2.Use(func([]byte) error { return nil }), ErrCredentialInvalidated)

	// Nothing left for the ref.
	assert.Zero(t, b.Invalidate("db-1/postgres"))
}

func TestBroker_FetchUnknownRef(t *testing.T) {
	b := testBroker(t, config.CredentialsConfig{})

	_, err := b.Fetch(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestBroker_Close(t *testing.T) {
	b := testBroker(t, config.CredentialsConfig{})

	h, err := b.Fetch(context.Background(), "db-1/postgres")
	require.NoError(t, err)

	b.Close()
	assert.Zero(t, b.ActiveLeases())

	_, err = b.Fetch(context.Background(), "db-1/postgres")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	assert.ErrorIs(t, h.Use(func([]byte) error { return nil }), ErrHandleReleased)
}
