package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/httpseal/nettrace/pkg/logger"
	"github.com/httpseal/nettrace/pkg/sink"
)

// Defaults shared by the CLI flags and the merge rules below.
const (
	DefaultOutputFormat = logger.FormatText
	DefaultLogLevel     = logger.LevelNormal
	DefaultMirrorPort   = 8080
	DefaultTimeout      = 30
	DefaultConcurrency  = 4
	DefaultCaptureLimit = 10 << 20

	// EnvPrefix namespaces environment overrides.
	EnvPrefix = "NETTRACE_"
)

// Config holds the application configuration
type Config struct {
	Verbose bool
	Quiet   bool

	// Client
	Timeout      int   // Request timeout in seconds
	Concurrency  int   // Parallel requests issued by fetch
	CaptureLimit int64 // Body bytes kept per message, 0 = unlimited
	DecodeBodies bool
	DNSServer    string // Resolve through this server instead of the system resolver

	// Traffic logging and output
	OutputFile          string
	OutputFormat        string
	LogLevel            string
	MaxBodySize         int // Console body clip, 0 = unlimited
	FilterDomains       []string
	ExcludeContentTypes []string

	// Inspector
	InspectAddr string

	// Wireshark integration
	EnableMirror bool
	MirrorPort   int

	// Archive sink
	Sink sink.Config
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Timeout:      DefaultTimeout,
		Concurrency:  DefaultConcurrency,
		CaptureLimit: DefaultCaptureLimit,
		DecodeBodies: true,
		OutputFormat: DefaultOutputFormat,
		LogLevel:     DefaultLogLevel,
		MirrorPort:   DefaultMirrorPort,
	}
}

// FileConfig is the on-disk (and environment) form. Nil fields are unset.
type FileConfig struct {
	Verbose *bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Quiet   *bool `json:"quiet,omitempty" yaml:"quiet,omitempty"`

	Timeout      *int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Concurrency  *int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	CaptureLimit *int64  `json:"capture_limit,omitempty" yaml:"capture_limit,omitempty"`
	DecodeBodies *bool   `json:"decode_bodies,omitempty" yaml:"decode_bodies,omitempty"`
	DNSServer    *string `json:"dns_server,omitempty" yaml:"dns_server,omitempty"`

	OutputFile          *string   `json:"output_file,omitempty" yaml:"output_file,omitempty"`
	OutputFormat        *string   `json:"output_format,omitempty" yaml:"output_format,omitempty"`
	LogLevel            *string   `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	MaxBodySize         *int      `json:"max_body_size,omitempty" yaml:"max_body_size,omitempty"`
	FilterDomains       *[]string `json:"filter_domains,omitempty" yaml:"filter_domains,omitempty"`
	ExcludeContentTypes *[]string `json:"exclude_content_types,omitempty" yaml:"exclude_content_types,omitempty"`

	InspectAddr *string `json:"inspect_addr,omitempty" yaml:"inspect_addr,omitempty"`

	EnableMirror *bool `json:"enable_mirror,omitempty" yaml:"enable_mirror,omitempty"`
	MirrorPort   *int  `json:"mirror_port,omitempty" yaml:"mirror_port,omitempty"`

	Sink *SinkFileConfig `json:"sink,omitempty" yaml:"sink,omitempty"`
}

// SinkFileConfig mirrors sink.Config for config files.
type SinkFileConfig struct {
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Dir  string `json:"dir,omitempty" yaml:"dir,omitempty"`

	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisUsername string `json:"redis_username,omitempty" yaml:"redis_username,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty" yaml:"redis_prefix,omitempty"`
	RedisTTL      string `json:"redis_ttl,omitempty" yaml:"redis_ttl,omitempty"`

	S3Bucket   string `json:"s3_bucket,omitempty" yaml:"s3_bucket,omitempty"`
	S3Region   string `json:"s3_region,omitempty" yaml:"s3_region,omitempty"`
	S3Endpoint string `json:"s3_endpoint,omitempty" yaml:"s3_endpoint,omitempty"`
	S3Prefix   string `json:"s3_prefix,omitempty" yaml:"s3_prefix,omitempty"`

	MongoURI        string `json:"mongo_uri,omitempty" yaml:"mongo_uri,omitempty"`
	MongoDatabase   string `json:"mongo_database,omitempty" yaml:"mongo_database,omitempty"`
	MongoCollection string `json:"mongo_collection,omitempty" yaml:"mongo_collection,omitempty"`
}

// GetConfigDir returns the configuration directory following the XDG base directory layout
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nettrace")
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config", "nettrace")
	}
	return ".nettrace"
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// LoadConfigFile loads a JSON or YAML (.yaml, .yml) config file. A missing
// file yields an empty config.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, err
	}

	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// LoadEnv reads envFile (if it exists) into the process environment without
// overriding variables already set, then collects NETTRACE_* overrides.
func LoadEnv(envFile string) (*FileConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return envConfig(os.LookupEnv)
}

func envConfig(lookup func(string) (string, bool)) (*FileConfig, error) {
	var (
		fc   FileConfig
		errs []error
	)
	str := func(name string) *string {
		if v, ok := lookup(EnvPrefix + name); ok {
			return &v
		}
		return nil
	}
	boolean := func(name string) *bool {
		v := str(name)
		if v == nil {
			return nil
		}
		b, err := strconv.ParseBool(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return nil
		}
		return &b
	}
	integer := func(name string) *int {
		v := str(name)
		if v == nil {
			return nil
		}
		n, err := strconv.Atoi(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return nil
		}
		return &n
	}
	list := func(name string) *[]string {
		v := str(name)
		if v == nil {
			return nil
		}
		items := splitList(*v)
		return &items
	}

	fc.Verbose = boolean("VERBOSE")
	fc.Quiet = boolean("QUIET")
	fc.Timeout = integer("TIMEOUT")
	fc.Concurrency = integer("CONCURRENCY")
	if n := integer("CAPTURE_LIMIT"); n != nil {
		limit := int64(*n)
		fc.CaptureLimit = &limit
	}
	fc.DecodeBodies = boolean("DECODE_BODIES")
	fc.DNSServer = str("DNS_SERVER")
	fc.OutputFile = str("OUTPUT_FILE")
	fc.OutputFormat = str("OUTPUT_FORMAT")
	fc.LogLevel = str("LOG_LEVEL")
	fc.MaxBodySize = integer("MAX_BODY_SIZE")
	fc.FilterDomains = list("FILTER_DOMAINS")
	fc.ExcludeContentTypes = list("EXCLUDE_CONTENT_TYPES")
	fc.InspectAddr = str("INSPECT_ADDR")
	fc.EnableMirror = boolean("ENABLE_MIRROR")
	fc.MirrorPort = integer("MIRROR_PORT")

	if kind := str("SINK"); kind != nil {
		sc := &SinkFileConfig{Kind: *kind}
		set := func(dst *string, name string) {
			if v := str(name); v != nil {
				*dst = *v
			}
		}
		set(&sc.Dir, "SINK_DIR")
		set(&sc.RedisAddr, "REDIS_ADDR")
		set(&sc.RedisUsername, "REDIS_USERNAME")
		set(&sc.RedisPassword, "REDIS_PASSWORD")
		set(&sc.RedisPrefix, "REDIS_PREFIX")
		set(&sc.RedisTTL, "REDIS_TTL")
		if db := integer("REDIS_DB"); db != nil {
			sc.RedisDB = *db
		}
		set(&sc.S3Bucket, "S3_BUCKET")
		set(&sc.S3Region, "S3_REGION")
		set(&sc.S3Endpoint, "S3_ENDPOINT")
		set(&sc.S3Prefix, "S3_PREFIX")
		set(&sc.MongoURI, "MONGO_URI")
		set(&sc.MongoDatabase, "MONGO_DATABASE")
		set(&sc.MongoCollection, "MONGO_COLLECTION")
		fc.Sink = sc
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &fc, nil
}

// MergeWithFileConfig merges file configuration with CLI configuration.
// A field is taken from fc only while c still holds its default, so CLI
// values win. Merging the environment before the file gives env priority.
func (c *Config) MergeWithFileConfig(fc *FileConfig) error {
	if fc == nil {
		return nil
	}
	if fc.Verbose != nil && !c.Verbose {
		c.Verbose = *fc.Verbose
	}
	if fc.Quiet != nil && !c.Quiet {
		c.Quiet = *fc.Quiet
	}

	if fc.Timeout != nil && c.Timeout == DefaultTimeout {
		c.Timeout = *fc.Timeout
	}
	if fc.Concurrency != nil && c.Concurrency == DefaultConcurrency {
		c.Concurrency = *fc.Concurrency
	}
	if fc.CaptureLimit != nil && c.CaptureLimit == DefaultCaptureLimit {
		c.CaptureLimit = *fc.CaptureLimit
	}
	if fc.DecodeBodies != nil && c.DecodeBodies {
		c.DecodeBodies = *fc.DecodeBodies
	}
	if fc.DNSServer != nil && c.DNSServer == "" {
		c.DNSServer = *fc.DNSServer
	}

	if fc.OutputFile != nil && c.OutputFile == "" {
		c.OutputFile = *fc.OutputFile
	}
	if fc.OutputFormat != nil && c.OutputFormat == DefaultOutputFormat {
		c.OutputFormat = *fc.OutputFormat
	}
	if fc.LogLevel != nil && c.LogLevel == DefaultLogLevel {
		c.LogLevel = *fc.LogLevel
	}
	if fc.MaxBodySize != nil && c.MaxBodySize == 0 {
		c.MaxBodySize = *fc.MaxBodySize
	}
	if fc.FilterDomains != nil && len(c.FilterDomains) == 0 {
		c.FilterDomains = *fc.FilterDomains
	}
	if fc.ExcludeContentTypes != nil && len(c.ExcludeContentTypes) == 0 {
		c.ExcludeContentTypes = *fc.ExcludeContentTypes
	}

	if fc.InspectAddr != nil && c.InspectAddr == "" {
		c.InspectAddr = *fc.InspectAddr
	}

	if fc.EnableMirror != nil && !c.EnableMirror {
		c.EnableMirror = *fc.EnableMirror
	}
	if fc.MirrorPort != nil && c.MirrorPort == DefaultMirrorPort {
		c.MirrorPort = *fc.MirrorPort
	}

	// the sink block is taken as a whole
	if fc.Sink != nil && c.Sink.Kind == "" {
		sc, err := fc.Sink.toSinkConfig()
		if err != nil {
			return err
		}
		c.Sink = sc
	}
	return nil
}

func (s *SinkFileConfig) toSinkConfig() (sink.Config, error) {
	out := sink.Config{
		Kind:            s.Kind,
		Dir:             s.Dir,
		RedisAddr:       s.RedisAddr,
		RedisUsername:   s.RedisUsername,
		RedisPassword:   s.RedisPassword,
		RedisDB:         s.RedisDB,
		RedisPrefix:     s.RedisPrefix,
		S3Bucket:        s.S3Bucket,
		S3Region:        s.S3Region,
		S3Endpoint:      s.S3Endpoint,
		S3Prefix:        s.S3Prefix,
		MongoURI:        s.MongoURI,
		MongoDatabase:   s.MongoDatabase,
		MongoCollection: s.MongoCollection,
	}
	if s.RedisTTL != "" {
		ttl, err := time.ParseDuration(s.RedisTTL)
		if err != nil {
			return sink.Config{}, fmt.Errorf("invalid redis_ttl %q: %w", s.RedisTTL, err)
		}
		out.RedisTTL = ttl
	}
	return out, nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.OutputFormat {
	case logger.FormatText, logger.FormatJSON, logger.FormatCSV, logger.FormatHAR:
	default:
		errs = append(errs, fmt.Errorf("invalid output format %q (text, json, csv, har)", c.OutputFormat))
	}
	switch c.LogLevel {
	case logger.LevelNone, logger.LevelMinimal, logger.LevelNormal, logger.LevelVerbose:
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q (none, minimal, normal, verbose)", c.LogLevel))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1"))
	}
	if c.CaptureLimit < 0 {
		errs = append(errs, fmt.Errorf("capture limit must not be negative"))
	}
	if c.MaxBodySize < 0 {
		errs = append(errs, fmt.Errorf("max body size must not be negative"))
	}
	if c.EnableMirror && (c.MirrorPort < 0 || c.MirrorPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid mirror port %d", c.MirrorPort))
	}
	if c.InspectAddr != "" {
		if _, _, err := net.SplitHostPort(c.InspectAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid inspect address %q: %w", c.InspectAddr, err))
		}
	}
	if err := validateSink(c.Sink); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateSink(s sink.Config) error {
	switch strings.ToLower(s.Kind) {
	case "":
		return nil
	case sink.KindFile:
		if s.Dir == "" {
			return errors.New("file sink requires a directory")
		}
	case sink.KindRedis:
		if s.RedisAddr == "" {
			return errors.New("redis sink requires an address")
		}
	case sink.KindS3:
		if s.S3Bucket == "" {
			return errors.New("s3 sink requires a bucket")
		}
	case sink.KindMongo:
		if s.MongoURI == "" {
			return errors.New("mongo sink requires a URI")
		}
	default:
		return fmt.Errorf("unknown sink kind %q", s.Kind)
	}
	return nil
}

// TrafficOptions derives the traffic logger settings.
func (c *Config) TrafficOptions() logger.TrafficOptions {
	level := c.LogLevel
	if c.Quiet {
		level = logger.LevelNone
	}
	return logger.TrafficOptions{
		Level:               level,
		Format:              c.OutputFormat,
		OutputFile:          c.OutputFile,
		FilterDomains:       c.FilterDomains,
		ExcludeContentTypes: c.ExcludeContentTypes,
		MaxBodySize:         c.MaxBodySize,
	}
}

// RequestTimeout returns Timeout as a duration; zero disables it.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
