// Package config loads the engine configuration from flags and environment.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the B2B engine configuration.
type Config struct {
	// SIP settings
	Port          int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	LogLevel      string

	// RTP relay settings
	RTPPortMin   int
	RTPPortMax   int
	SymmetricRTP bool // Learn remote RTP endpoint from first received packet
	RTPTimeout   time.Duration

	// Offer/answer collision handling
	// When true, an incoming re-INVITE that collides with our own outstanding
	// INVITE is accepted with a synthetic 200 instead of a 491 reply.
	Avoid491 bool
	// Max491RetryTime bounds the randomized retry delay after a 491 reply.
	Max491RetryTime time.Duration

	// Session refresh
	SessionRefreshInterval time.Duration

	// Hold behavior: when true the hold answer zeroes the connection address,
	// otherwise it substitutes our own relay address.
	HoldZeroConnection bool

	// Metrics HTTP listener ("" disables the endpoint)
	MetricsAddr string
}

// Default returns a Config populated with defaults, without reading
// flags or the environment. Used by tests and embedded setups.
func Default() *Config {
	return &Config{
		Port:                   5060,
		BindAddr:               "0.0.0.0",
		AdvertiseAddr:          "127.0.0.1",
		LogLevel:               "info",
		RTPPortMin:             20000,
		RTPPortMax:             29999,
		SymmetricRTP:           true,
		RTPTimeout:             5 * time.Minute,
		Avoid491:               false,
		Max491RetryTime:        2 * time.Second,
		SessionRefreshInterval: 0,
		HoldZeroConnection:     false,
		MetricsAddr:            "",
	}
}

// Load loads configuration from command line flags and environment variables.
func Load() *Config {
	cfg := Default()

	flag.IntVar(&cfg.Port, "port", cfg.Port, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP/SDP (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.RTPPortMin, "rtp-min", cfg.RTPPortMin, "Lowest RTP port to allocate")
	flag.IntVar(&cfg.RTPPortMax, "rtp-max", cfg.RTPPortMax, "Highest RTP port to allocate")
	flag.BoolVar(&cfg.SymmetricRTP, "symmetric-rtp", cfg.SymmetricRTP, "Learn remote RTP endpoints from received packets")
	flag.DurationVar(&cfg.RTPTimeout, "rtp-timeout", cfg.RTPTimeout, "Terminate calls after this long without RTP")
	flag.BoolVar(&cfg.Avoid491, "avoid-491", cfg.Avoid491, "Accept colliding re-INVITEs instead of replying 491")
	flag.DurationVar(&cfg.Max491RetryTime, "max-491-retry", cfg.Max491RetryTime, "Upper bound for the randomized 491 retry delay")
	flag.DurationVar(&cfg.SessionRefreshInterval, "refresh-interval", cfg.SessionRefreshInterval, "Session refresh interval (0 disables)")
	flag.BoolVar(&cfg.HoldZeroConnection, "hold-zero-conn", cfg.HoldZeroConnection, "Zero the SDP connection address in hold answers")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	flag.Parse()

	applyEnv(cfg)

	// Validate and fall back to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}

	return cfg
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if v := os.Getenv("RTP_PORT_MIN"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMin = p
		}
	}
	if v := os.Getenv("RTP_PORT_MAX"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMax = p
		}
	}
	if v := os.Getenv("AVOID_491"); v != "" {
		cfg.Avoid491 = parseBool(v)
	}
	if v := os.Getenv("MAX_491_RETRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Max491RetryTime = d
		}
	}
	if v := os.Getenv("RTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RTPTimeout = d
		}
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// isValidAddress checks if the address is a valid IP or resolvable hostname.
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
