// Package config - Server configuration read from the environment and an
// optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/nvr-ai/go-motion/controller"
	"github.com/nvr-ai/go-motion/images"
)

// Config is the process configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	AuthTokenHash string

	HeatmapDir         string
	HeatmapFormat      images.ImageFormat
	HeatmapAlphaOffset int

	DefaultDegree     int
	DefaultThreshold  int
	DefaultMaxValue   int
	DefaultSleepTimes float64
	BackgroundModel   images.BackgroundModelType
	ReduceNoise       bool

	PingInterval time.Duration
}

// Load reads the given env files, then the environment. With no files it
// tries ./.env; a missing file only logs.
func Load(files ...string) *Config {
	if err := godotenv.Load(files...); err != nil {
		glog.Infof("no .env file loaded, using process environment: %v", err)
	}

	return &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":7000"),
		TLSCertFile:        getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:         getEnv("TLS_KEY_FILE", ""),
		AuthTokenHash:      getEnv("AUTH_TOKEN_HASH", ""),
		HeatmapDir:         getEnv("HEATMAP_DIR", images.ProcessHeatmapDir),
		HeatmapFormat:      images.ImageFormat(strings.ToLower(getEnv("HEATMAP_FORMAT", string(images.FormatPNG)))),
		HeatmapAlphaOffset: getEnvInt("HEATMAP_ALPHA_OFFSET", images.DefaultAlphaOffset),
		DefaultDegree:      getEnvInt("DEFAULT_DEGREE", 10),
		DefaultThreshold:   getEnvInt("DEFAULT_THRESHOLD", 2),
		DefaultMaxValue:    getEnvInt("DEFAULT_MAX_VALUE", 2),
		DefaultSleepTimes:  getEnvFloat("DEFAULT_SLEEP_TIMES", 0.05),
		BackgroundModel:    images.BackgroundModelType(strings.ToLower(getEnv("BACKGROUND_MODEL", string(images.BackgroundMOG2)))),
		ReduceNoise:        getEnvBool("REDUCE_NOISE", false),
		PingInterval:       getEnvDuration("PING_INTERVAL", 30*time.Second),
	}
}

// TLS reports whether both certificate files are configured.
func (c *Config) TLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Defaults returns the detection config each request is merged onto.
func (c *Config) Defaults() controller.Config {
	d := controller.DefaultConfig()
	d.Degree = c.DefaultDegree
	d.Threshold = c.DefaultThreshold
	d.MaxValue = c.DefaultMaxValue
	d.SleepTimes = time.Duration(c.DefaultSleepTimes * float64(time.Second))
	d.BackgroundModel = c.BackgroundModel
	d.ReduceNoise = c.ReduceNoise
	return d
}

// Heatmap returns the renderer configuration.
func (c *Config) Heatmap() images.HeatmapConfig {
	h := images.DefaultHeatmapConfig()
	h.Format = c.HeatmapFormat
	h.DefaultDir = c.HeatmapDir
	if c.HeatmapAlphaOffset >= 0 && c.HeatmapAlphaOffset <= 255 {
		h.AlphaOffset = uint8(c.HeatmapAlphaOffset)
	} else {
		glog.Warningf("HEATMAP_ALPHA_OFFSET %d out of range, using %d", c.HeatmapAlphaOffset, images.DefaultAlphaOffset)
	}
	return h
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
		glog.Warningf("%s=%q is not an integer, using %d", key, v, defaultVal)
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		glog.Warningf("%s=%q is not a number, using %v", key, v, defaultVal)
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		glog.Warningf("%s=%q is not a boolean, using %v", key, v, defaultVal)
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		glog.Warningf("%s=%q is not a duration, using %v", key, v, defaultVal)
	}
	return defaultVal
}
