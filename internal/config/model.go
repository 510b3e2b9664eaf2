// Package config holds the configuration snapshot that backs the
// request pipeline: virtual hosts, backends, and the ambient sections
// (logging, limits, ACME, cluster, supervisor). A Config value is
// immutable once loaded; reconfiguration produces a new value that the
// runtime swaps in atomically (see internal/orchestrator).
package config

import "time"

type Config struct {
	Log       LogConfig       `yaml:"log"`
	ACME      ACMEConfig      `yaml:"acme"`
	Limits    LimitsConfig    `yaml:"limits"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Store     StoreConfig     `yaml:"store"`
	Servers   []Server        `yaml:"servers"`
}

// Server is the on-disk shape a single virtual host is loaded from.
// VirtualHost (see vhost.go) is the runtime-resolved form built from it.
type Server struct {
	ID                string            `yaml:"id"`
	Hostname          string            `yaml:"hostname"`
	Priority          int               `yaml:"priority"`
	Root              string            `yaml:"root"`
	Index             []string          `yaml:"index"`
	Listing           bool              `yaml:"listing"`
	Handles           []Handle          `yaml:"handles"`
	Backend           *Backend          `yaml:"backend"`
	SSL               *SSLProfile       `yaml:"ssl"`
	Rewrites          []RewriteRule     `yaml:"rewrites"`
	Headers           map[string]string `yaml:"headers"`
	RequireOriginPull bool              `yaml:"require_origin_pull"`
}

type Handle struct {
	MatcherName string   `yaml:"matcher_name"`
	Matcher     *Matcher `yaml:"matcher"`
	StripPrefix string   `yaml:"strip_prefix"`
	Upstream    string   `yaml:"upstream"`
}

type Matcher struct {
	PathGlob string `yaml:"path_glob"`
}

// BackendKind discriminates the tagged-variant Backend union from
// spec §3; Go has no sum types, so exactly one group of fields below is
// meaningful per Kind.
type BackendKind string

const (
	BackendStatic   BackendKind = "static"
	BackendProxy    BackendKind = "proxy"
	BackendProcess  BackendKind = "process"
	BackendRedirect BackendKind = "redirect"
)

type Backend struct {
	Kind BackendKind `yaml:"kind"`

	// Static
	Root           string   `yaml:"root"`
	IndexFiles     []string `yaml:"index_files"`
	ListingEnabled bool     `yaml:"listing_enabled"`

	// Proxy
	Targets     []UpstreamTargetSpec `yaml:"targets"`
	Strategy    string               `yaml:"strategy"`
	Pool        PoolConfig           `yaml:"pool"`
	RetryPolicy RetryPolicy          `yaml:"retry"`

	// Process
	ProcessName string    `yaml:"process_name"`
	Spawn       SpawnSpec `yaml:"spawn"`
	Port        int       `yaml:"port"`
	Probe       ProbeSpec `yaml:"probe"`

	// Redirect
	RedirectTarget string `yaml:"redirect_target"`
	RedirectCode   int    `yaml:"redirect_code"`
	PreservePath   bool   `yaml:"preserve_path"`
	PreserveQuery  bool   `yaml:"preserve_query"`
}

type UpstreamTargetSpec struct {
	Address string  `yaml:"address"`
	Weight  float64 `yaml:"weight"`
}

type PoolConfig struct {
	MaxPerHost  int           `yaml:"max_per_host"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

type RetryPolicy struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type SpawnSpec struct {
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	WorkingDir    string            `yaml:"working_dir"`
	Env           map[string]string `yaml:"env"`
	User          string            `yaml:"user"`
	Group         string            `yaml:"group"`
	AppType       string            `yaml:"app_type"`
	MaxRestarts   int               `yaml:"max_restarts"`
	RestartWindow time.Duration     `yaml:"restart_window"`
	StopGrace     time.Duration     `yaml:"stop_grace"`
}

type ProbeSpec struct {
	Kind               string        `yaml:"kind"` // http | tcp | script
	Path               string        `yaml:"path"`
	ExpectedStatus     []int         `yaml:"expected_status"`
	Script             string        `yaml:"script"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	StartupGrace       time.Duration `yaml:"startup_grace"`
}

type SSLProfile struct {
	Source      string        `yaml:"source"` // manual | origin_ca | acme
	SANs        []string      `yaml:"sans"`
	RenewWindow time.Duration `yaml:"renew_window"`
}

type RewriteFlag string

const (
	FlagLast      RewriteFlag = "last"
	FlagRedirect  RewriteFlag = "redirect"
	FlagProxy     RewriteFlag = "proxy"
	FlagForbidden RewriteFlag = "forbidden"
	FlagGone      RewriteFlag = "gone"
)

type RewriteCondition struct {
	Header  string `yaml:"header"`
	Pattern string `yaml:"pattern"`
	Negate  bool   `yaml:"negate"`
}

type RewriteRule struct {
	Pattern      string             `yaml:"pattern"`
	Replacement  string             `yaml:"replacement"`
	Flags        []RewriteFlag      `yaml:"flags"`
	RedirectCode int                `yaml:"redirect_code"`
	Conditions   []RewriteCondition `yaml:"conditions"`
}

type LogConfig struct {
	Output string `yaml:"output"`
	Format string `yaml:"format"`
}

type ACMEConfig struct {
	Email       string `yaml:"email"`
	CA          string `yaml:"ca"`
	Staging     bool   `yaml:"staging"`
	KeyType     string `yaml:"key_type"`
	RenewWindow string `yaml:"renew_window"`
	StoragePath string `yaml:"storage_path"`
	DefaultCert string `yaml:"default_cert"`
}

type LimitsConfig struct {
	RPS              float64 `yaml:"rps"`
	Burst            float64 `yaml:"burst"`
	ConnLimit        int     `yaml:"conn_limit"`
	WSConnLimit      int     `yaml:"ws_conn_limit"`
	MaxBodyBytes     int64   `yaml:"max_body_bytes"`
	MaxHeaderBytes   int     `yaml:"max_header_bytes"`
	MaxURLLength     int     `yaml:"max_url_length"`
	RiskThreshold    int     `yaml:"risk_threshold"`
	RiskTTLSeconds   int     `yaml:"risk_ttl_seconds"`
	RiskStatusWindow int     `yaml:"risk_status_window"`
}

type ChallengeConfig struct {
	Enabled          bool     `yaml:"enabled"`
	CookieTTLSeconds int      `yaml:"cookie_ttl_seconds"`
	BindIP           bool     `yaml:"bind_ip"`
	BindUA           bool     `yaml:"bind_ua"`
	ExemptGlobs      []string `yaml:"exempt_globs"`
}

type ClusterConfig struct {
	Enabled            bool          `yaml:"enabled"`
	NodeID             string        `yaml:"node_id"`
	BindAddr           string        `yaml:"bind_addr"`
	AdvertiseAddr      string        `yaml:"advertise_addr"`
	ClusterID          string        `yaml:"cluster_id"`
	SeedNodes          []string      `yaml:"seed_nodes"`
	ProbePeriod        time.Duration `yaml:"probe_period"`
	SuspicionPeriod    time.Duration `yaml:"suspicion_period"`
	SuspicionWindow    time.Duration `yaml:"suspicion_window"`
	IndirectProbes     int           `yaml:"indirect_probes"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	DataDir            string        `yaml:"data_dir"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"` // memory | remote
	RemoteAddr    string        `yaml:"remote_addr"`
	ShardCount    int           `yaml:"shard_count"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}
