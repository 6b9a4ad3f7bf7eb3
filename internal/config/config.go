package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding global settings
const EnvPrefix = "INTERVIEWCAPTURE"

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type AuthConfig struct {
	Token     string `mapstructure:"token" yaml:"token,omitempty"`
	TokenFile string `mapstructure:"token_file" yaml:"token_file"`
}

type DeviceConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"` // "ffmpeg", "synthetic", "auto"
	FFmpegPath  string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	VideoDevice string        `mapstructure:"video_device" yaml:"video_device"`
	AudioDevice string        `mapstructure:"audio_device" yaml:"audio_device"`
	AudioFormat string        `mapstructure:"audio_format" yaml:"audio_format"` // "pulse", "alsa"
	VideoCodec  string        `mapstructure:"video_codec" yaml:"video_codec"`   // "vp9", "vp8", "auto"
	Width       int           `mapstructure:"width" yaml:"width"`
	Height      int           `mapstructure:"height" yaml:"height"`
	FrameRate   int           `mapstructure:"frame_rate" yaml:"frame_rate"`
	Timeslice   time.Duration `mapstructure:"timeslice" yaml:"timeslice"`
	AutoStart   bool          `mapstructure:"auto_start" yaml:"auto_start"`
}

type PresenceConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	CheckTimeout time.Duration `mapstructure:"check_timeout" yaml:"check_timeout"`
	JPEGQuality  int           `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
}

type UploadConfig struct {
	FieldName   string        `mapstructure:"field_name" yaml:"field_name"`
	FileName    string        `mapstructure:"file_name" yaml:"file_name"`
	ContentType string        `mapstructure:"content_type" yaml:"content_type"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	KeepLocal bool   `mapstructure:"keep_local" yaml:"keep_local"`
}

type InterviewConfig struct {
	RoleID int `mapstructure:"role_id" yaml:"role_id"` // 0 selects the first role offered by the backend
}

// Config is the resolved configuration used by every component
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Presence  PresenceConfig  `mapstructure:"presence" yaml:"presence"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Interview InterviewConfig `mapstructure:"interview" yaml:"interview"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// DeviceProfile mirrors DeviceConfig with optional fields so a profile can
// leave values to the default profile
type DeviceProfile struct {
	Backend     string        `mapstructure:"backend" yaml:"backend,omitempty"`
	FFmpegPath  string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path,omitempty"`
	VideoDevice string        `mapstructure:"video_device" yaml:"video_device,omitempty"`
	AudioDevice string        `mapstructure:"audio_device" yaml:"audio_device,omitempty"`
	AudioFormat string        `mapstructure:"audio_format" yaml:"audio_format,omitempty"`
	VideoCodec  string        `mapstructure:"video_codec" yaml:"video_codec,omitempty"`
	Width       int           `mapstructure:"width" yaml:"width,omitempty"`
	Height      int           `mapstructure:"height" yaml:"height,omitempty"`
	FrameRate   int           `mapstructure:"frame_rate" yaml:"frame_rate,omitempty"`
	Timeslice   time.Duration `mapstructure:"timeslice" yaml:"timeslice,omitempty"`
	AutoStart   *bool         `mapstructure:"auto_start" yaml:"auto_start,omitempty"`
}

type PresenceProfile struct {
	Enabled      *bool         `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`
	CheckTimeout time.Duration `mapstructure:"check_timeout" yaml:"check_timeout,omitempty"`
	JPEGQuality  int           `mapstructure:"jpeg_quality" yaml:"jpeg_quality,omitempty"`
}

type OutputProfile struct {
	Directory string `mapstructure:"directory" yaml:"directory,omitempty"`
	KeepLocal *bool  `mapstructure:"keep_local" yaml:"keep_local,omitempty"`
}

// Profile is one named entry of the profiles section
type Profile struct {
	Device    DeviceProfile   `mapstructure:"device" yaml:"device"`
	Presence  PresenceProfile `mapstructure:"presence" yaml:"presence"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload"`
	Output    OutputProfile   `mapstructure:"output" yaml:"output"`
	Interview InterviewConfig `mapstructure:"interview" yaml:"interview"`
}

type RootConfig struct {
	ActiveProfile string              `mapstructure:"active_profile" yaml:"active_profile"`
	Backend       *BackendConfig      `mapstructure:"backend,omitempty" yaml:"backend,omitempty"`
	Auth          *AuthConfig         `mapstructure:"auth,omitempty" yaml:"auth,omitempty"`
	Profiles      map[string]*Profile `mapstructure:"profiles" yaml:"profiles"`
}

// InheritanceInfo records, per dotted key, whether a value came from the
// selected profile or was inherited from the default profile
type InheritanceInfo struct {
	Profile string
	Fields  map[string]string // "inherited" or "profile-specific"
}

func (i *InheritanceInfo) mark(key string, profileSpecific bool) {
	if profileSpecific {
		i.Fields[key] = "profile-specific"
	} else {
		i.Fields[key] = "inherited"
	}
}

// Status returns the inheritance status of a dotted key
func (i *InheritanceInfo) Status(key string) string {
	if i == nil {
		return ""
	}
	return i.Fields[key]
}

// Default returns the built-in configuration used when no file exists
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:5000/api",
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenFile: filepath.Join(os.Getenv("HOME"), ".config", "interviewcapture", "token.yaml"),
		},
		Device: DeviceConfig{
			Backend:     "auto",
			FFmpegPath:  "ffmpeg",
			VideoDevice: "/dev/video0",
			AudioDevice: "default",
			AudioFormat: "pulse",
			VideoCodec:  "auto",
			Width:       640,
			Height:      480,
			FrameRate:   15,
			Timeslice:   time.Second,
			AutoStart:   false,
		},
		Presence: PresenceConfig{
			Enabled:      true,
			Interval:     10 * time.Second,
			CheckTimeout: 8 * time.Second,
			JPEGQuality:  90,
		},
		Upload: UploadConfig{
			FieldName:   "video",
			FileName:    "recording.webm",
			ContentType: "video/webm",
			Timeout:     2 * time.Minute,
		},
		Output: OutputConfig{
			Directory: filepath.Join(os.Getenv("HOME"), "Videos", "InterviewCapture"),
			KeepLocal: false,
		},
	}
}

// LoadWithProfile reads the configuration file and resolves the requested
// profile (or the file's active_profile) on top of the default profile.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return Resolve(rootConfig, profile)
}

// Resolve selects a profile of rootConfig and merges it over the default
// profile and the built-in defaults.
func Resolve(rootConfig *RootConfig, profile string) (*Config, error) {
	profileName := profile
	if profileName == "" {
		profileName = rootConfig.ActiveProfile
	}
	if profileName == "" {
		profileName = "default"
	}

	base := Default()
	if defaultProfile, exists := rootConfig.Profiles["default"]; exists {
		base = mergeProfile(base, defaultProfile, "default")
	} else if profileName == "default" && len(rootConfig.Profiles) > 0 {
		return nil, fmt.Errorf("configuration profile '%s' not found", profileName)
	}

	selected := base
	if profileName != "default" {
		selectedProfile, exists := rootConfig.Profiles[profileName]
		if !exists {
			return nil, fmt.Errorf("configuration profile '%s' not found", profileName)
		}
		selected = mergeProfile(base, selectedProfile, profileName)
	} else if selected.Inheritance == nil {
		selected.Inheritance = &InheritanceInfo{Profile: profileName, Fields: map[string]string{}}
	}

	// Global sections apply to every profile
	if rootConfig.Backend != nil {
		if rootConfig.Backend.BaseURL != "" {
			selected.Backend.BaseURL = rootConfig.Backend.BaseURL
		}
		if rootConfig.Backend.Timeout > 0 {
			selected.Backend.Timeout = rootConfig.Backend.Timeout
		}
	}
	if rootConfig.Auth != nil {
		if rootConfig.Auth.Token != "" {
			selected.Auth.Token = rootConfig.Auth.Token
		}
		if rootConfig.Auth.TokenFile != "" {
			selected.Auth.TokenFile = rootConfig.Auth.TokenFile
		}
	}

	selected.Output.Directory = expandPath(selected.Output.Directory)
	selected.Auth.TokenFile = expandPath(selected.Auth.TokenFile)

	if err := Validate(selected); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selected, nil
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, newActiveProfile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, exists := rootConfig.Profiles[newActiveProfile]; !exists {
		return fmt.Errorf("configuration profile '%s' not found", newActiveProfile)
	}

	v.Set("active_profile", newActiveProfile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// mergeProfile implements the "Selection & Fallback" model: every value set
// in the profile wins, anything left empty falls back to base.
func mergeProfile(base *Config, profile *Profile, profileName string) *Config {
	result := *base
	result.Inheritance = &InheritanceInfo{Profile: profileName, Fields: map[string]string{}}

	if profile == nil {
		return &result
	}

	d := profile.Device
	if d.Backend != "" {
		result.Device.Backend = d.Backend
	}
	result.Inheritance.mark("device.backend", d.Backend != "")
	if d.FFmpegPath != "" {
		result.Device.FFmpegPath = d.FFmpegPath
	}
	if d.VideoDevice != "" {
		result.Device.VideoDevice = d.VideoDevice
	}
	result.Inheritance.mark("device.video_device", d.VideoDevice != "")
	if d.AudioDevice != "" {
		result.Device.AudioDevice = d.AudioDevice
	}
	result.Inheritance.mark("device.audio_device", d.AudioDevice != "")
	if d.AudioFormat != "" {
		result.Device.AudioFormat = d.AudioFormat
	}
	if d.VideoCodec != "" {
		result.Device.VideoCodec = d.VideoCodec
	}
	if d.Width != 0 {
		result.Device.Width = d.Width
	}
	if d.Height != 0 {
		result.Device.Height = d.Height
	}
	result.Inheritance.mark("device.resolution", d.Width != 0 || d.Height != 0)
	if d.FrameRate != 0 {
		result.Device.FrameRate = d.FrameRate
	}
	if d.Timeslice != 0 {
		result.Device.Timeslice = d.Timeslice
	}
	result.Inheritance.mark("device.timeslice", d.Timeslice != 0)
	if d.AutoStart != nil {
		result.Device.AutoStart = *d.AutoStart
	}
	result.Inheritance.mark("device.auto_start", d.AutoStart != nil)

	p := profile.Presence
	if p.Enabled != nil {
		result.Presence.Enabled = *p.Enabled
	}
	result.Inheritance.mark("presence.enabled", p.Enabled != nil)
	if p.Interval != 0 {
		result.Presence.Interval = p.Interval
	}
	result.Inheritance.mark("presence.interval", p.Interval != 0)
	if p.CheckTimeout != 0 {
		result.Presence.CheckTimeout = p.CheckTimeout
	}
	if p.JPEGQuality != 0 {
		result.Presence.JPEGQuality = p.JPEGQuality
	}

	u := profile.Upload
	if u.FieldName != "" {
		result.Upload.FieldName = u.FieldName
	}
	result.Inheritance.mark("upload.field_name", u.FieldName != "")
	if u.FileName != "" {
		result.Upload.FileName = u.FileName
	}
	if u.ContentType != "" {
		result.Upload.ContentType = u.ContentType
	}
	if u.Timeout != 0 {
		result.Upload.Timeout = u.Timeout
	}

	o := profile.Output
	if o.Directory != "" {
		result.Output.Directory = o.Directory
	}
	result.Inheritance.mark("output.directory", o.Directory != "")
	if o.KeepLocal != nil {
		result.Output.KeepLocal = *o.KeepLocal
	}
	result.Inheritance.mark("output.keep_local", o.KeepLocal != nil)

	if profile.Interview.RoleID != 0 {
		result.Interview.RoleID = profile.Interview.RoleID
	}
	result.Inheritance.mark("interview.role_id", profile.Interview.RoleID != 0)

	return &result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration
func Validate(c *Config) error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute URL, got: %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be > 0, got: %s", c.Backend.Timeout)
	}

	switch strings.ToLower(c.Device.Backend) {
	case "ffmpeg", "synthetic", "auto":
	default:
		return fmt.Errorf("device.backend must be 'ffmpeg', 'synthetic' or 'auto', got: %s", c.Device.Backend)
	}
	switch strings.ToLower(c.Device.VideoCodec) {
	case "vp9", "vp8", "auto":
	default:
		return fmt.Errorf("device.video_codec must be 'vp9', 'vp8' or 'auto', got: %s", c.Device.VideoCodec)
	}
	if c.Device.AudioFormat != "pulse" && c.Device.AudioFormat != "alsa" {
		return fmt.Errorf("device.audio_format must be 'pulse' or 'alsa', got: %s", c.Device.AudioFormat)
	}
	if c.Device.Width <= 0 || c.Device.Height <= 0 {
		return fmt.Errorf("device resolution must be positive, got: %dx%d", c.Device.Width, c.Device.Height)
	}
	if c.Device.FrameRate <= 0 || c.Device.FrameRate > 60 {
		return fmt.Errorf("device.frame_rate must be between 1 and 60, got: %d", c.Device.FrameRate)
	}
	if c.Device.Timeslice < 100*time.Millisecond {
		return fmt.Errorf("device.timeslice must be >= 100ms, got: %s", c.Device.Timeslice)
	}

	if c.Presence.Enabled {
		if c.Presence.Interval < time.Second {
			return fmt.Errorf("presence.interval must be >= 1s, got: %s", c.Presence.Interval)
		}
		if c.Presence.CheckTimeout <= 0 {
			return fmt.Errorf("presence.check_timeout must be > 0, got: %s", c.Presence.CheckTimeout)
		}
	}
	if c.Presence.JPEGQuality < 1 || c.Presence.JPEGQuality > 100 {
		return fmt.Errorf("presence.jpeg_quality must be between 1 and 100, got: %d", c.Presence.JPEGQuality)
	}

	if c.Upload.FieldName == "" {
		return fmt.Errorf("upload.field_name is required")
	}
	if c.Upload.FileName == "" {
		return fmt.Errorf("upload.file_name is required")
	}
	if c.Upload.Timeout <= 0 {
		return fmt.Errorf("upload.timeout must be > 0, got: %s", c.Upload.Timeout)
	}

	if c.Output.KeepLocal && c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required when output.keep_local is enabled")
	}
	if c.Interview.RoleID < 0 {
		return fmt.Errorf("interview.role_id must be >= 0, got: %d", c.Interview.RoleID)
	}

	return nil
}

// LoadOrDefault behaves like LoadWithProfile when configFile exists. A
// missing file resolves the built-in defaults plus environment overrides.
func LoadOrDefault(configFile, profile string) (*Config, error) {
	if _, err := os.Stat(configFile); err == nil {
		return LoadWithProfile(configFile, profile)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v, err := newViper()
	if err != nil {
		return nil, err
	}
	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling environment: %w", err)
	}
	return Resolve(&rootConfig, profile)
}

// newViper returns a viper instance reading global settings from the
// environment, e.g. INTERVIEWCAPTURE_AUTH_TOKEN
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"backend.base_url", "backend.timeout", "auth.token", "auth.token_file"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment for %s: %w", key, err)
		}
	}
	return v, nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateProfiles(rootConfig.Profiles); err != nil {
		return nil, fmt.Errorf("invalid profiles: %w", err)
	}

	return &rootConfig, nil
}

// validateProfiles checks the values a profile sets explicitly; the merged
// result is validated again by Validate.
func validateProfiles(profiles map[string]*Profile) error {
	var errs []error
	for name, p := range profiles {
		if p == nil {
			continue
		}
		if p.Device.Width < 0 || p.Device.Height < 0 {
			errs = append(errs, fmt.Errorf("profiles.%s.device: resolution must be positive", name))
		}
		if p.Device.Timeslice < 0 {
			errs = append(errs, fmt.Errorf("profiles.%s.device.timeslice must be >= 0", name))
		}
		if p.Presence.Interval < 0 {
			errs = append(errs, fmt.Errorf("profiles.%s.presence.interval must be >= 0", name))
		}
		if p.Presence.JPEGQuality < 0 || p.Presence.JPEGQuality > 100 {
			errs = append(errs, fmt.Errorf("profiles.%s.presence.jpeg_quality must be between 1 and 100", name))
		}
	}
	return errors.Join(errs...)
}

// ProfileNames returns the profile names declared in the config file
func ProfileNames(configFile string) ([]string, string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(rootConfig.Profiles))
	for name := range rootConfig.Profiles {
		names = append(names, name)
	}
	return names, rootConfig.ActiveProfile, nil
}
