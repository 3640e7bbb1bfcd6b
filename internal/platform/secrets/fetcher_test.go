package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const stripeResource = "projects/pos-test/secrets/stripe-api-key/versions/latest"

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[stripeResource] = "sk_remote"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("pos-test"),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://stripe-api-key")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if got != "sk_remote" {
			t.Fatalf("expected sk_remote, got %s", got)
		}
	}
	if calls := client.callCount(stripeResource); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}
}

func TestResolveRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[stripeResource] = "sk_v1"

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("pos-test"),
		WithCacheTTL(time.Minute),
		withClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://stripe-api-key"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	client.set(stripeResource, "sk_v2")
	now = now.Add(2 * time.Minute)

	got, err := fetcher.Resolve(ctx, "secret://stripe-api-key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "sk_v2" {
		t.Fatalf("expected rotated value, got %s", got)
	}
}

func TestResolveVersionAndProjectOverride(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/other/secrets/pg-dsn/versions/3"] = "postgres://pinned"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("pos-test"))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://pg-dsn?version=3&project=other")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "postgres://pinned" {
		t.Fatalf("unexpected value %s", got)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[stripeResource] = status.Error(codes.Unavailable, "down")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("pos-test"),
		WithFallbackFile(writeFallback(t, "STRIPE_API_KEY=sk_local\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://stripe-api-key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "sk_local" {
		t.Fatalf("expected fallback value, got %s", got)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[stripeResource] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("pos-test"),
		WithFallbackFile(writeFallback(t, "STRIPE_API_KEY=sk_local\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	_, err = fetcher.Resolve(ctx, "secret://stripe-api-key")
	if status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected wrapped NotFound, got %v", err)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[stripeResource] = "sk_v1"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("pos-test"), WithCacheTTL(0))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	if _, err := fetcher.Resolve(ctx, "secret://stripe-api-key"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	client.set(stripeResource, "sk_v2")
	fetcher.Invalidate("secret://stripe-api-key?version=latest")

	got, err := fetcher.Resolve(ctx, "secret://stripe-api-key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "sk_v2" || client.callCount(stripeResource) != 2 {
		t.Fatalf("expected refetch after invalidate, got %s", got)
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()
	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	fetcher, err := NewFetcher(ctx,
		WithProject("pos-test"),
		WithFallbackFile(writeFallback(t, "# dev\nREDIS_PASSWORD=\"local pass\"\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://redis.password")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "local pass" {
		t.Fatalf("expected local secret, got %q", got)
	}
	if _, err := fetcher.Resolve(ctx, "secret://absent"); err == nil {
		t.Fatal("expected error for secret missing from fallback file")
	}
}

func TestParseReference(t *testing.T) {
	for _, ref := range []string{"", "https://x", "secret://", "secret:///"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
	parsed, err := parseReference("secret://stripe/api?version=2")
	if err != nil {
		t.Fatalf("parseReference returned error: %v", err)
	}
	if parsed.Secret != "stripe/api" || parsed.Version != "2" || parsed.Canonical != "secret://stripe/api" {
		t.Fatalf("unexpected parsed reference %+v", parsed)
	}
	if got := fallbackKey("stripe/api-key.v2"); got != "STRIPE_API_KEY_V2" {
		t.Fatalf("unexpected fallback key %s", got)
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err, ok := f.errors[name]; ok {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) set(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
