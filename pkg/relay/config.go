package relay

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for the relay server. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=).
type Config struct {
	// The address to listen on.
	Addr string `env:"CHATRELAY_ADDR?=:8080"`

	// The maximum number of concurrently open client connections.
	MaxClients int `env:"CHATRELAY_MAX_CLIENTS?=1000"`

	// The maximum number of registered users this server instance will
	// accept, or 0 for unlimited.
	MaxUsers int `env:"CHATRELAY_MAX_USERS"`

	// The per-recipient offline message queue capacity.
	QueueSize int `env:"CHATRELAY_QUEUE_SIZE?=100"`

	// The rolling rate-limit window and request cap within it.
	RateWindow time.Duration `env:"CHATRELAY_RATE_WINDOW?=60s"`
	RateLimit  int           `env:"CHATRELAY_RATE_LIMIT?=100"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"CHATRELAY_LOG_LEVEL=info"`

	// Whether to use pretty (console-formatted) logs.
	LogPretty bool `env:"CHATRELAY_LOG_PRETTY"`

	// If set, requests to /metrics must supply ?secret=<value> to see any
	// metrics; without it the response body is empty.
	MetricsSecret string `env:"CHATRELAY_METRICS_SECRET"`

	// If set, a separate HTTP listener serving /metrics is started on this
	// address. Left unset, no metrics endpoint is exposed.
	DebugAddr string `env:"CHATRELAY_DEBUG_ADDR"`

	// The systemd notify socket, if any, forwarded from the environment by
	// the init system. Not usually set directly.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv populates c's fields from environment-style KEY=VALUE
// entries. If incremental is true, fields whose keys are absent from es are
// left untouched instead of being reset to their default.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "CHATRELAY_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}

		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("env %s: unhandled field type %T", key, cvf.Interface())
		}
	}
	return nil
}
