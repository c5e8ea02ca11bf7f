// Package config loads the proxy configuration from a YAML file and SIPPROXY_ environment variables.
package config

//go:generate errtrace -w .

import (
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/spf13/viper"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/event"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/routing"
	"github.com/ghettovoice/sipproxy/sip"
	"github.com/ghettovoice/sipproxy/transaction"
)

// EnvPrefix is the prefix of environment variables overriding the file,
// e.g. SIPPROXY_LOG_LEVEL overrides log.level.
const EnvPrefix = "SIPPROXY"

// ErrInvalidConfig is returned when the configuration is malformed or fails validation.
const ErrInvalidConfig errorutil.Error = "invalid config"

// Config is the proxy configuration.
type Config struct {
	// Listen is the UDP listen address.
	Listen string `mapstructure:"listen"`
	// Advertise is the address put in Via and Record-Route, defaults to the listen address.
	Advertise   AdvertiseConfig `mapstructure:"advertise"`
	RecordRoute bool            `mapstructure:"record_route"`

	Timers          TimersConfig    `mapstructure:"timers"`
	MaxTransactions int             `mapstructure:"max_transactions"`
	Dialogs         DialogsConfig   `mapstructure:"dialogs"`
	Bindings        []BindingConfig `mapstructure:"bindings"`
	DNS             DNSConfig       `mapstructure:"dns"`
	Log             LogConfig       `mapstructure:"log"`
	Metrics         MetricsConfig   `mapstructure:"metrics"`
	Events          EventsConfig    `mapstructure:"events"`
}

type AdvertiseConfig struct {
	Host string `mapstructure:"host"`
	Port uint16 `mapstructure:"port"`
}

// TimersConfig holds the base SIP timer values, RFC 3261 appendix A.
type TimersConfig struct {
	T1      time.Duration `mapstructure:"t1"`
	T2      time.Duration `mapstructure:"t2"`
	T4      time.Duration `mapstructure:"t4"`
	TimerD  time.Duration `mapstructure:"timer_d"`
	Time100 time.Duration `mapstructure:"time_100"`
	TimerC  time.Duration `mapstructure:"timer_c"`
}

type DialogsConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// BindingConfig is a static registrar binding, see [routing.Binding].
type BindingConfig struct {
	AOR     string `mapstructure:"aor"`
	Contact string `mapstructure:"contact"`
}

type DNSConfig struct {
	// Nameserver is "host[:port]" of the server queried for NAPTR, SRV and address records.
	// Empty uses the system resolver, and resolv.conf for NAPTR.
	Nameserver string        `mapstructure:"nameserver"`
	Timeout    time.Duration `mapstructure:"timeout"`
	NAPTR      bool          `mapstructure:"naptr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	AddSource  bool   `mapstructure:"add_source"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

type EventsConfig struct {
	// QueueSize is the capacity of the asynchronous event queue.
	QueueSize int `mapstructure:"queue_size"`
	// Log writes every event to the log.
	Log bool `mapstructure:"log"`
}

// Load reads the configuration file at path, applies environment overrides and defaults,
// and validates the result. Empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "read %s: %v", path, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "decode: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "0.0.0.0:"+strconv.Itoa(int(proxy.DefaultPort)))
	v.SetDefault("advertise.host", "")
	v.SetDefault("advertise.port", 0)
	v.SetDefault("record_route", true)

	v.SetDefault("timers.t1", transaction.T1)
	v.SetDefault("timers.t2", transaction.T2)
	v.SetDefault("timers.t4", transaction.T4)
	v.SetDefault("timers.timer_d", transaction.TimeD)
	v.SetDefault("timers.time_100", transaction.Time100)
	v.SetDefault("timers.timer_c", transaction.TimeC)
	v.SetDefault("max_transactions", transaction.DefaultMaxTransactions)

	v.SetDefault("dialogs.idle_timeout", routing.DefaultDialogIdleTimeout)

	v.SetDefault("dns.nameserver", "")
	v.SetDefault("dns.timeout", dns.DefaultTimeout)
	v.SetDefault("dns.naptr", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", log.FormatConsole)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.add_source", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.log", false)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := netip.ParseAddrPort(c.Listen); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "listen %q: %v", c.Listen, err))
	}
	if c.Advertise.Host != "" && strings.ContainsAny(c.Advertise.Host, " ;,<>") {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "advertise.host %q", c.Advertise.Host))
	}

	for name, d := range map[string]time.Duration{
		"timers.t1":            c.Timers.T1,
		"timers.t2":            c.Timers.T2,
		"timers.t4":            c.Timers.T4,
		"timers.timer_d":       c.Timers.TimerD,
		"timers.time_100":      c.Timers.Time100,
		"timers.timer_c":       c.Timers.TimerC,
		"dialogs.idle_timeout": c.Dialogs.IdleTimeout,
		"dns.timeout":          c.DNS.Timeout,
	} {
		if d < 0 {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "%s is negative", name))
		}
	}
	if c.Timers.T1 > 0 && c.Timers.T2 > 0 && c.Timers.T2 < c.Timers.T1 {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "timers.t2 is less than timers.t1"))
	}
	if c.Timers.TimerC > 0 && c.Timers.TimerC <= c.Timings().TimeB() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "timers.timer_c is less than Timer B"))
	}
	if c.MaxTransactions < 0 {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "max_transactions is negative"))
	}

	for i, b := range c.Bindings {
		if strings.TrimSpace(b.AOR) == "" {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "bindings[%d]: empty aor", i))
		}
		uri, err := sip.ParseURI(b.Contact)
		if err != nil || !uri.IsSIP() {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "bindings[%d]: bad contact %q", i, b.Contact))
		}
	}

	if c.DNS.Nameserver != "" {
		host := c.DNS.Nameserver
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if _, err := netip.ParseAddr(host); err != nil {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "dns.nameserver %q is not an IP address", c.DNS.Nameserver))
		}
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "log.level: %v", err))
	}
	switch c.Log.Format {
	case log.FormatConsole, log.FormatDev, log.FormatJSON, log.FormatText:
	default:
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "log.format %q", c.Log.Format))
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "metrics.listen %q: %v", c.Metrics.Listen, err))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, "metrics.path %q must start with /", c.Metrics.Path))
		}
	}
	return nil
}

// Timings returns the transaction timer configuration.
func (c *Config) Timings() transaction.TimingConfig {
	t := c.Timers
	return transaction.NewTimings(t.T1, t.T2, t.T4, t.TimerD, t.Time100, t.TimerC)
}

// AdvertisedAddr returns the host and port used in Via and Record-Route.
// A wildcard listen address without advertise.host is replaced with the first
// non-loopback IPv4 address of an up interface.
func (c *Config) AdvertisedAddr() (string, uint16) {
	host, port := c.Advertise.Host, c.Advertise.Port
	listen, _ := netip.ParseAddrPort(c.Listen)
	if host == "" {
		host = listen.Addr().String()
		if listen.Addr().IsUnspecified() {
			if addr, ok := interfaceAddr(); ok {
				host = addr.String()
			}
		}
	}
	if port == 0 {
		port = listen.Port()
	}
	return host, port
}

func interfaceAddr() (netip.Addr, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			if addr = addr.Unmap(); addr.Is4() && !addr.IsLinkLocalUnicast() {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

// RoutingBindings converts the static bindings.
func (c *Config) RoutingBindings() []routing.Binding {
	bs := make([]routing.Binding, len(c.Bindings))
	for i, b := range c.Bindings {
		bs[i] = routing.Binding{AOR: b.AOR, Contact: b.Contact}
	}
	return bs
}

// Resolver returns the DNS resolver of the configuration.
func (c *Config) Resolver() *dns.Resolver {
	ns := c.DNS.Nameserver
	if ns != "" {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			ns = net.JoinHostPort(ns, "53")
		}
	}
	return &dns.Resolver{NameServer: ns, Timeout: c.DNS.Timeout}
}

// LogOptions returns the logger options.
func (c *Config) LogOptions() log.Options {
	return log.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		AddSource:  c.Log.AddSource,
	}
}

// Locators builds the router locators: static bindings first, then DNS.
// The DNS locator is also returned for Route and Via host resolution.
func (c *Config) Locators(logger *slog.Logger) (routing.Locator, routing.Locator, error) {
	hosts := routing.NewDNSLocator(c.Resolver(), c.DNS.NAPTR, logger)
	static, err := routing.NewStaticLocator(c.RoutingBindings(), hosts)
	if err != nil {
		return nil, nil, errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidConfig, err))
	}
	return routing.Locators{static, hosts}, hosts, nil
}

// ProxyOptions builds the options of the proxy core.
func (c *Config) ProxyOptions(logger *slog.Logger, events event.Sink) (*proxy.Options, error) {
	locator, hosts, err := c.Locators(logger)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	host, port := c.AdvertisedAddr()
	return &proxy.Options{
		Host:              host,
		Port:              port,
		RecordRoute:       c.RecordRoute,
		Timings:           c.Timings(),
		MaxTransactions:   c.MaxTransactions,
		Locator:           locator,
		Hosts:             hosts,
		DialogIdleTimeout: c.Dialogs.IdleTimeout,
		Events:            events,
		Log:               logger,
	}, nil
}
