package config

import "time"

type PipelineConfig struct {
	WorkspaceDir       string        `mapstructure:"workspace_dir"`
	DefaultTimeout     int           `mapstructure:"default_timeout"` // seconds
	RecoverInterrupted bool          `mapstructure:"recover_interrupted"`
	WorkspaceMaxAge    time.Duration `mapstructure:"workspace_max_age"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	Sources            SourcesConfig `mapstructure:"sources"`
	Builder            BuilderConfig `mapstructure:"builder"`
}

type SourcesConfig struct {
	GitHub GitHubConfig `mapstructure:"github"`
	Git    GitConfig    `mapstructure:"git"`
	Local  LocalConfig  `mapstructure:"local"`
}

type GitHubConfig struct {
	// ArchiveURL is the base that "<org>/<repo>/archive/<ref>.tar.gz" is appended to.
	ArchiveURL     string        `mapstructure:"archive_url"`
	DefaultRef     string        `mapstructure:"default_ref"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type GitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Depth   int  `mapstructure:"depth"`
}

type LocalConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type BuilderConfig struct {
	Platform   string       `mapstructure:"platform"` // "docker" or "kubernetes"
	Registry   string       `mapstructure:"registry"`
	Push       bool         `mapstructure:"push"`
	Dockerfile string       `mapstructure:"dockerfile"`
	Docker     DockerConfig `mapstructure:"docker"`
	Kaniko     KanikoConfig `mapstructure:"kaniko"`
}

type DockerConfig struct {
	Host       string `mapstructure:"host"`
	BuildImage string `mapstructure:"build_image"` // base image for workspaces without a Dockerfile
	NoCache    bool   `mapstructure:"no_cache"`
}

type KanikoConfig struct {
	Namespace      string        `mapstructure:"namespace"`
	Image          string        `mapstructure:"image"`
	Kubeconfig     string        `mapstructure:"kubeconfig"`
	WorkspaceClaim string        `mapstructure:"workspace_claim"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PushSecret     string        `mapstructure:"push_secret"`
}

const (
	PlatformDocker     = "docker"
	PlatformKubernetes = "kubernetes"
)
