package userconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ptgott/emaillib/email"
	"github.com/rs/zerolog"

	yaml "gopkg.in/yaml.v2"
)

// Meta represents all current config options that the application can use,
// i.e., after validation and parsing
type Meta struct {
	SMTP SMTP `yaml:"smtp"`
	Log  Log  `yaml:"log"`
}

// SMTP holds the connection settings for the relay.
type SMTP struct {
	Address  string
	Port     int // zero means the protocol default
	Username string
	Password string
	TLS      bool
	SSL      bool
	// For relays with self-signed certificates
	SkipCertVerification bool
	LocalName            string
}

var smtpKeys = map[string]struct{}{
	"address":              {},
	"port":                 {},
	"username":             {},
	"password":             {},
	"tls":                  {},
	"ssl":                  {},
	"skipCertVerification": {},
	"localName":            {},
}

// UnmarshalYAML implements the yaml.Unmarshaler interface. Validation is
// performed here.
func (s *SMTP) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)

	if err != nil {
		return fmt.Errorf("can't parse the smtp config: %v", err)
	}

	for k := range v {
		if _, ok := smtpKeys[k]; !ok {
			return fmt.Errorf("unknown smtp config option %q", k)
		}
	}

	a, ok := v["address"]
	if !ok || a == "" {
		return errors.New("the smtp config must include a server address")
	}
	s.Address = a

	if p, ok := v["port"]; ok {
		pn, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("can't parse the smtp port as an integer: %v", err)
		}
		if pn < 1 || pn > 65535 {
			return fmt.Errorf("the smtp port must be between 1 and 65535, not %v", pn)
		}
		s.Port = pn
	}

	s.Username = v["username"]
	s.Password = v["password"]
	s.LocalName = v["localName"]

	if s.TLS, err = parseBool(v, "tls", true); err != nil {
		return err
	}
	if s.SSL, err = parseBool(v, "ssl", false); err != nil {
		return err
	}
	if s.SkipCertVerification, err = parseBool(v, "skipCertVerification", false); err != nil {
		return err
	}

	return nil
}

func parseBool(v map[string]string, key string, def bool) (bool, error) {
	s, ok := v[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("can't parse %v as a boolean: %v", key, err)
	}
	return b, nil
}

// TransportOptions translates s into options for email.NewTransport.
func (s SMTP) TransportOptions(logger zerolog.Logger) []email.Option {
	opts := []email.Option{
		email.WithPort(s.Port),
		email.WithCredentials(s.Username, s.Password),
		email.WithTLS(s.TLS),
		email.WithSSL(s.SSL),
		email.WithSkipCertVerification(s.SkipCertVerification),
		email.WithLogger(logger),
	}
	if s.LocalName != "" {
		opts = append(opts, email.WithLocalName(s.LocalName))
	}
	return opts
}

// Log configures the application logger.
type Log struct {
	Level zerolog.Level
	// "console" for human-readable output, "json" otherwise
	Format string
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (l *Log) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)

	if err != nil {
		return fmt.Errorf("can't parse the log config: %v", err)
	}

	l.Level = zerolog.InfoLevel
	if lv, ok := v["level"]; ok {
		pl, err := zerolog.ParseLevel(lv)
		if err != nil {
			return fmt.Errorf("can't parse the log level: %v", err)
		}
		l.Level = pl
	}

	l.Format = "console"
	if f, ok := v["format"]; ok {
		if f != "console" && f != "json" {
			return fmt.Errorf("the log format must be \"console\" or \"json\", not %q", f)
		}
		l.Format = f
	}

	return nil
}

// CheckAndSetDefaults returns a copy of l with defaults filled in when the
// log section was left out.
func (l *Log) CheckAndSetDefaults() Log {
	if l.Format == "" {
		return Log{Level: zerolog.InfoLevel, Format: "console"}
	}
	return *l
}

// NewLogger builds a logger writing to w with the configured format and
// level.
func (l Log) NewLogger(w io.Writer) zerolog.Logger {
	if l.Format == "console" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(w).
		Level(l.Level).
		With().
		Timestamp().
		Caller().
		Logger()
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	if m.SMTP.Address == "" {
		return Meta{}, errors.New("must include an \"smtp\" section with a server address")
	}
	return Meta{
		SMTP: m.SMTP,
		Log:  m.Log.CheckAndSetDefaults(),
	}, nil
}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing or validation. The Reader r
// can be either JSON or YAML.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	c, err := m.CheckAndSetDefaults()
	if err != nil {
		return &Meta{}, err
	}
	return &c, nil
}

// Load opens and parses the config file at path.
func Load(path string) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't open the config file: %v", err)
	}
	defer f.Close()

	return Parse(f)
}
