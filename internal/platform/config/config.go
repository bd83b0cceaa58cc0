package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of key as understood by
// strconv.ParseBool, or fallback if unset or invalid.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvList splits a comma separated variable, dropping blanks.
func GetEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

const maxChunkSize = 0x7FFFFFFF

// Config is the process configuration.
type Config struct {
	RTMPPort         int
	HTTPMediaPort    int
	ChunkSize        int
	GOPCache         bool
	SegmentDuration  time.Duration
	SegmentRetention int
	SegmentMaxAge    time.Duration
	SweepInterval    time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	PlayWaitTimeout  time.Duration
	HandshakeTimeout time.Duration
	SubscriberBuffer int
	MediaRoot        string
	PublishAllowList []string
	PublicHost       string
	LogLevel         string
	LogFormat        string
}

// FromEnv builds a Config from the environment, applying defaults.
func FromEnv() Config {
	seconds := func(key string, fallback int) time.Duration {
		return time.Duration(GetEnvInt(key, fallback)) * time.Second
	}
	return Config{
		RTMPPort:         GetEnvInt("RTMP_PORT", 1935),
		HTTPMediaPort:    GetEnvInt("HTTP_MEDIA_PORT", 8000),
		ChunkSize:        GetEnvInt("CHUNK_SIZE", 60000),
		GOPCache:         GetEnvBool("GOP_CACHE", true),
		SegmentDuration:  seconds("SEGMENT_DURATION_SECONDS", 3),
		SegmentRetention: GetEnvInt("SEGMENT_RETENTION_COUNT", 3),
		SegmentMaxAge:    seconds("SEGMENT_MAX_AGE_SECONDS", 60),
		SweepInterval:    seconds("SWEEP_INTERVAL_SECONDS", 10),
		PingInterval:     seconds("PING_INTERVAL_SECONDS", 30),
		PingTimeout:      seconds("PING_TIMEOUT_SECONDS", 60),
		PlayWaitTimeout:  seconds("PLAY_WAIT_TIMEOUT_SECONDS", 0),
		HandshakeTimeout: seconds("HANDSHAKE_TIMEOUT_SECONDS", 5),
		SubscriberBuffer: GetEnvInt("SUBSCRIBER_BUFFER", 1024),
		MediaRoot:        GetEnv("MEDIA_ROOT", "./media"),
		PublishAllowList: GetEnvList("PUBLISH_ALLOW_LIST"),
		PublicHost:       GetEnv("PUBLIC_HOST", "localhost"),
		LogLevel:         GetEnv("LOG_LEVEL", "info"),
		LogFormat:        GetEnv("LOG_FORMAT", "json"),
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.RTMPPort <= 0 || c.RTMPPort > 65535 {
		errs = append(errs, fmt.Errorf("RTMP_PORT %d out of range", c.RTMPPort))
	}
	if c.HTTPMediaPort <= 0 || c.HTTPMediaPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_MEDIA_PORT %d out of range", c.HTTPMediaPort))
	}
	if c.ChunkSize < 1 || c.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE %d out of range", c.ChunkSize))
	}
	if c.SegmentDuration <= 0 {
		errs = append(errs, errors.New("SEGMENT_DURATION_SECONDS must be positive"))
	}
	if c.SegmentRetention <= 0 {
		errs = append(errs, errors.New("SEGMENT_RETENTION_COUNT must be positive"))
	}
	if c.SegmentMaxAge < 0 || c.SweepInterval < 0 || c.PingInterval < 0 || c.PingTimeout < 0 ||
		c.PlayWaitTimeout < 0 || c.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.MediaRoot == "" {
		errs = append(errs, errors.New("MEDIA_ROOT must be set"))
	}
	return errors.Join(errs...)
}

// AllowPublish returns the publish policy for the allow-list, or nil when
// every key is allowed.
func (c Config) AllowPublish() func(key string) bool {
	if len(c.PublishAllowList) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(c.PublishAllowList))
	for _, k := range c.PublishAllowList {
		allowed[strings.Trim(k, "/")] = struct{}{}
	}
	return func(key string) bool {
		_, ok := allowed[key]
		return ok
	}
}
