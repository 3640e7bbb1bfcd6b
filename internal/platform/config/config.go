package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ledgerpos/api/internal/domain"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultLogLevel            = "info"
	defaultStoreDriver         = StoreDriverMemory
	defaultPostgresMaxConns    = 10
	defaultPostgresLifetime    = 30 * time.Minute
	defaultLockTTL             = 10 * time.Second
	defaultLockWait            = 2 * time.Second
	defaultCurrency            = "USD"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultSecretsFallbackFile = ".secrets.local"
)

// Store drivers accepted by POS_STORE_DRIVER.
const (
	StoreDriverMemory    = "memory"
	StoreDriverPostgres  = "postgres"
	StoreDriverFirestore = "firestore"
)

// Config captures runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Logging     LoggingConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	Firestore   FirestoreConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Stripe      StripeConfig
	Ledger      LedgerConfig
	Idempotency IdempotencyConfig
	Secrets     SecretsConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level string
}

// StoreConfig selects the repository backend.
type StoreConfig struct {
	Driver  string
	Migrate bool
}

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig configures the distributed per-order lock. An empty Addr selects the in-process
// locker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
	LockWait time.Duration
}

// PubSubConfig configures order event publishing. Events are dropped when Topic is empty.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// StripeConfig configures the card gateway. TenantAccounts maps tenant ids to connected account
// ids; tenants missing from the map use AccountID.
type StripeConfig struct {
	APIKey         string
	AccountID      string
	TenantAccounts map[string]string
}

type LedgerConfig struct {
	Currency string
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretsConfig configures Secret Manager lookups for secret:// references.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to nothing. Only
// hashed names appear in the message.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the hashed secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path. An empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Stripe.APIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// lookupFunc applies dotenv < process env < explicit map precedence.
func (o loaderOptions) lookupFunc() (func(string) (string, bool), error) {
	dotEnv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := o.envMap[key]; ok {
			return value, true
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

// EnvironmentValues returns the effective POS_* values using the same precedence as Load so callers
// can build dependencies, such as the secret fetcher, before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnv, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotEnv))
	for k, v := range dotEnv {
		values[k] = v
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.HasPrefix(key, "POS_") {
				values[key] = value
			}
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// Load assembles the configuration from defaults, the dotenv file, the environment and secret
// references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	lookup, err := options.lookupFunc()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "POS_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "POS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "POS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "POS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "POS_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Logging: LoggingConfig{
			Level: stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
		},
		Store: StoreConfig{
			Driver:  strings.ToLower(stringWithDefault(lookup, "POS_STORE_DRIVER", defaultStoreDriver)),
			Migrate: boolWithDefault(lookup, "POS_STORE_MIGRATE", false),
		},
		Postgres: PostgresConfig{
			DSN:             stringWithDefault(lookup, "POS_POSTGRES_DSN", ""),
			MaxConns:        int32(intWithDefault(lookup, "POS_POSTGRES_MAX_CONNS", defaultPostgresMaxConns)),
			MinConns:        int32(intWithDefault(lookup, "POS_POSTGRES_MIN_CONNS", 0)),
			MaxConnLifetime: durationWithDefault(lookup, "POS_POSTGRES_MAX_CONN_LIFETIME", defaultPostgresLifetime),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "POS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "POS_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "POS_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "POS_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "POS_REDIS_DB", 0),
			LockTTL:  durationWithDefault(lookup, "POS_REDIS_LOCK_TTL", defaultLockTTL),
			LockWait: durationWithDefault(lookup, "POS_REDIS_LOCK_WAIT", defaultLockWait),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "POS_PUBSUB_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "POS_PUBSUB_ORDER_TOPIC", ""),
		},
		Stripe: StripeConfig{
			APIKey:         stringWithDefault(lookup, "POS_STRIPE_API_KEY", ""),
			AccountID:      stringWithDefault(lookup, "POS_STRIPE_ACCOUNT_ID", ""),
			TenantAccounts: mapWithDefault(lookup, "POS_STRIPE_TENANT_ACCOUNTS"),
		},
		Ledger: LedgerConfig{
			Currency: strings.ToUpper(stringWithDefault(lookup, "POS_LEDGER_CURRENCY", defaultCurrency)),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "POS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "POS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "POS_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "POS_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "POS_SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "POS_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
	}

	// Pub/Sub and Secret Manager live in the Firestore project unless told otherwise.
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if cfg.Postgres.DSN == "" {
			invalid = append(invalid, "Postgres.DSN")
		}
		if cfg.Postgres.MaxConns <= 0 || cfg.Postgres.MinConns < 0 || cfg.Postgres.MinConns > cfg.Postgres.MaxConns {
			invalid = append(invalid, "Postgres.MaxConns")
		}
	case StoreDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	default:
		invalid = append(invalid, "Store.Driver")
	}
	if cfg.Redis.Addr != "" && (cfg.Redis.LockTTL <= 0 || cfg.Redis.LockWait < 0) {
		invalid = append(invalid, "Redis.LockTTL")
	}
	if cfg.PubSub.Topic != "" && cfg.PubSub.ProjectID == "" {
		invalid = append(invalid, "PubSub.ProjectID")
	}
	if len(cfg.Stripe.TenantAccounts) > 0 && cfg.Stripe.APIKey == "" {
		invalid = append(invalid, "Stripe.APIKey")
	}
	if _, err := domain.ParseCurrency(cfg.Ledger.Currency); err != nil {
		invalid = append(invalid, "Ledger.Currency")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		invalid = append(invalid, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		invalid = append(invalid, "Idempotency.CleanupBatchSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

// mapWithDefault parses "k1=v1,k2=v2". Keys keep their case since they are tenant ids.
func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(entry), "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !found || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
