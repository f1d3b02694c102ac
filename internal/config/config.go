package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// MockedServerName designates the in-process mock directory.
const MockedServerName = "mocked"

// Strategy selects how a connection reports results.
type Strategy string

const (
	StrategySync            Strategy = "SYNC"
	StrategySafeSync        Strategy = "SAFE_SYNC"
	StrategyRestartable     Strategy = "RESTARTABLE"
	StrategySafeRestartable Strategy = "SAFE_RESTARTABLE"
	StrategyMockSync        Strategy = "MOCK_SYNC"
)

// Safe strategies return results directly from each call instead of
// leaving them on the connection.
func (s Strategy) Safe() bool {
	return s == StrategySafeSync || s == StrategySafeRestartable
}

func (s Strategy) Restartable() bool {
	return s == StrategyRestartable || s == StrategySafeRestartable
}

type AuthMethod string

const (
	AuthAnonymous    AuthMethod = "ANONYMOUS"
	AuthSimple       AuthMethod = "SIMPLE"
	AuthSASLExternal AuthMethod = "SASL_EXTERNAL"
	AuthNTLM         AuthMethod = "NTLM"
	AuthGSSAPI       AuthMethod = "GSSAPI"
)

// AutoBind controls what happens right after a connection is opened.
type AutoBind string

const (
	AutoBindNone          AutoBind = "NONE"
	AutoBindNoTLS         AutoBind = "NO_TLS"
	AutoBindTLSBeforeBind AutoBind = "TLS_BEFORE_BIND"
	AutoBindTLSAfterBind  AutoBind = "TLS_AFTER_BIND"
)

func (a AutoBind) Enabled() bool {
	return a != "" && a != AutoBindNone
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr" default:":8080" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" default:"30s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" default:"120s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" default:"120s"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" default:"1048576" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" default:"/metrics" validate:"required,startswith=/"`
}

type KerberosConfig struct {
	Realm      string `mapstructure:"realm"`
	Krb5Conf   string `mapstructure:"krb5_conf" default:"/etc/krb5.conf"`
	KeytabPath string `mapstructure:"keytab_path"`
	CCachePath string `mapstructure:"ccache_path"`
	SPN        string `mapstructure:"spn"`
}

// EndpointOptions describe how every endpoint of a pool is dialed.
type EndpointOptions struct {
	Port               int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	UseSSL             bool          `mapstructure:"use_ssl"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" default:"10s"`
	ReceiveTimeout     time.Duration `mapstructure:"receive_timeout" default:"30s"`
}

// ConnectionOptions are the per-connection defaults of a server. Request
// level overrides are decoded on top of a copy, keyed by the mapstructure
// names.
type ConnectionOptions struct {
	User             string         `mapstructure:"user"`
	Password         string         `mapstructure:"password"`
	Authentication   AuthMethod     `mapstructure:"authentication" validate:"omitempty,oneof=ANONYMOUS SIMPLE SASL_EXTERNAL NTLM GSSAPI"`
	ClientStrategy   Strategy       `mapstructure:"client_strategy" default:"SAFE_SYNC" validate:"oneof=SYNC SAFE_SYNC RESTARTABLE SAFE_RESTARTABLE MOCK_SYNC"`
	AutoBind         AutoBind       `mapstructure:"auto_bind" default:"NO_TLS" validate:"oneof=NONE NO_TLS TLS_BEFORE_BIND TLS_AFTER_BIND"`
	RestartableTries int            `mapstructure:"restartable_tries" default:"3" validate:"gte=0"`
	NTLMDomain       string         `mapstructure:"ntlm_domain"`
	Kerberos         KerberosConfig `mapstructure:"kerberos"`
}

// EffectiveAuthentication resolves an unset method the way directory
// clients usually do: simple bind when a user is configured.
func (o ConnectionOptions) EffectiveAuthentication() AuthMethod {
	if o.Authentication != "" {
		return o.Authentication
	}
	if o.User != "" {
		return AuthSimple
	}
	return AuthAnonymous
}

type ServerConfig struct {
	Host               string            `mapstructure:"ldap_host" validate:"required"`
	Hosts              []string          `mapstructure:"ldap_hosts"`
	PoolExhaustSeconds int               `mapstructure:"pool_exhaust_seconds" default:"30" validate:"gte=0"`
	Server             EndpointOptions   `mapstructure:"server_config"`
	Connection         ConnectionOptions `mapstructure:"connection_config"`
}

// Endpoints returns the primary host followed by any extra pool members.
func (s ServerConfig) Endpoints() []string {
	out := make([]string, 0, 1+len(s.Hosts))
	out = append(out, s.Host)
	for _, h := range s.Hosts {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

type MockedConfig struct {
	ServerConfig `mapstructure:",squash"`
	SeedFile     string `mapstructure:"seed_file"`
}

type GatewayConfig struct {
	Addr           string        `mapstructure:"addr" default:":8081" validate:"required"`
	LDAPServiceURL string        `mapstructure:"ldap_service_url" default:"http://localhost:8080" validate:"required,url"`
	Timeout        time.Duration `mapstructure:"timeout" default:"60s"`
}

type Config struct {
	LogLevel      string                  `mapstructure:"log_level" default:"info" validate:"oneof=trace debug info warn error TRACE DEBUG INFO WARN ERROR"`
	LogFormat     string                  `mapstructure:"log_format" default:"json" validate:"oneof=json console"`
	DefaultServer string                  `mapstructure:"default_server" default:"main" validate:"required"`
	HTTP          HTTPConfig              `mapstructure:"http"`
	Metrics       MetricsConfig           `mapstructure:"metrics"`
	Servers       map[string]ServerConfig `mapstructure:"ldap_servers" validate:"dive"`
	Mocked        MockedConfig            `mapstructure:"ldap_mocked"`
	Gateway       GatewayConfig           `mapstructure:"gateway"`
}

// Load reads configuration from an optional YAML file with LDAPGW_*
// environment overrides. An empty path only consults the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LDAPGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)
	v.SetDefault("metrics.enabled", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := ApplyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// viper only resolves env vars for keys it already knows about.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"log_level", "log_format", "default_server",
		"http.addr", "http.read_timeout", "http.write_timeout", "http.idle_timeout", "http.max_body_bytes",
		"metrics.enabled", "metrics.path",
		"ldap_mocked.ldap_host", "ldap_mocked.seed_file",
		"gateway.addr", "gateway.ldap_service_url", "gateway.timeout",
	} {
		_ = v.BindEnv(key)
	}
}

// ApplyDefaults fills unset fields, including those of every configured
// server, from the default struct tags.
func ApplyDefaults(cfg *Config) error {
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	for name, srv := range cfg.Servers {
		if err := defaults.Set(&srv); err != nil {
			return fmt.Errorf("failed to apply defaults for server %q: %w", name, err)
		}
		cfg.Servers[name] = srv
	}
	if cfg.Mocked.Host == "" {
		cfg.Mocked.Host = "localhost"
	}
	// the mock binds explicitly unless told otherwise
	if cfg.Mocked.Connection.AutoBind == AutoBindNoTLS && cfg.Mocked.Connection.User == "" {
		cfg.Mocked.Connection.AutoBind = AutoBindNone
	}
	cfg.Mocked.Connection.ClientStrategy = StrategyMockSync
	return nil
}

func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if _, ok := cfg.Servers[MockedServerName]; ok {
		return fmt.Errorf("server name %q is reserved for the mock directory", MockedServerName)
	}
	for name, srv := range cfg.Servers {
		if srv.Connection.ClientStrategy == StrategyMockSync {
			return fmt.Errorf("server %q: client_strategy %s is only valid for the mock directory", name, StrategyMockSync)
		}
	}
	return nil
}

// DecodeHooks covers durations, comma separated lists and boolean
// auto_bind values.
func DecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		autoBindDecodeHook(),
		upperEnumDecodeHook(),
	)
}

func autoBindDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(AutoBind("")) {
			return data, nil
		}
		switch v := data.(type) {
		case bool:
			if v {
				return AutoBindNoTLS, nil
			}
			return AutoBindNone, nil
		case string:
			switch strings.ToLower(v) {
			case "true":
				return AutoBindNoTLS, nil
			case "false":
				return AutoBindNone, nil
			}
			return strings.ToUpper(v), nil
		}
		return data, nil
	}
}

func upperEnumDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		switch to {
		case reflect.TypeOf(Strategy("")), reflect.TypeOf(AuthMethod("")):
			return strings.ToUpper(reflect.ValueOf(data).String()), nil
		}
		return data, nil
	}
}
