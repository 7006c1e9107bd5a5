// Package processor holds the configuration record for one lab connection
// and the stores it is loaded from.
package processor

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrConfiguration is the kind shared by every invalid processor record.
var ErrConfiguration = errors.New("configuration error")

// Protocol selects the transport used to retrieve results.
type Protocol string

const (
	ProtocolDropBox  Protocol = "dropbox"
	ProtocolSFTP     Protocol = "sftp"
	ProtocolSOAP     Protocol = "soap"
	ProtocolInternal Protocol = "internal"
)

var protocolAliases = map[string]Protocol{
	"dropbox":  ProtocolDropBox,
	"fss":      ProtocolDropBox,
	"fs":       ProtocolDropBox,
	"sftp":     ProtocolSFTP,
	"soap":     ProtocolSOAP,
	"ws":       ProtocolSOAP,
	"hub":      ProtocolSOAP,
	"internal": ProtocolInternal,
	"int":      ProtocolInternal,
}

// ParseProtocol accepts canonical names and the short codes used by older
// processor records (FSS, WS, INT).
func ParseProtocol(s string) (Protocol, error) {
	p, ok := protocolAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown protocol %q", s)
	}
	return p, nil
}

// Version selects the HL7 dialect of result files.
type Version string

const (
	VersionV1 Version = "v1" // HL7 2.3
	VersionV2 Version = "v2" // HL7 2.5.1
)

// ParseVersion accepts v1/v2 as well as the HL7 version numbers.
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "v1", "2.3", "2.3.1":
		return VersionV1, nil
	case "v2", "2.5", "2.5.1":
		return VersionV2, nil
	}
	return "", fmt.Errorf("unknown version %q", s)
}

// Environment is the training/production flag of a connection.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

const (
	DefaultSFTPPort = 22
	DefaultSOAPPort = 443
)

// Config is the immutable configuration record for one lab connection.
type Config struct {
	ID                string            `mapstructure:"id" json:"id"`
	Name              string            `mapstructure:"name" json:"name"`
	Protocol          Protocol          `mapstructure:"protocol" json:"protocol"`
	Version           Version           `mapstructure:"version" json:"version"`
	Environment       Environment       `mapstructure:"environment" json:"environment"`
	Host              string            `mapstructure:"host" json:"host,omitempty"`
	Port              int               `mapstructure:"port" json:"port,omitempty"`
	Username          string            `mapstructure:"username" json:"username,omitempty"`
	Password          string            `mapstructure:"password" json:"-"`
	OrdersPath        string            `mapstructure:"orders_path" json:"orders_path,omitempty"`
	ResultsPath       string            `mapstructure:"results_path" json:"results_path,omitempty"`
	WorkDir           string            `mapstructure:"work_dir" json:"work_dir,omitempty"`
	SendingApp        string            `mapstructure:"sending_app" json:"sending_app,omitempty"`
	SendingFacility   string            `mapstructure:"sending_facility" json:"sending_facility,omitempty"`
	ReceivingApp      string            `mapstructure:"receiving_app" json:"receiving_app,omitempty"`
	ReceivingFacility string            `mapstructure:"receiving_facility" json:"receiving_facility,omitempty"`
	DocumentCategory  string            `mapstructure:"document_category" json:"document_category,omitempty"`
	Extra             map[string]string `mapstructure:"extra" json:"extra,omitempty"`
}

// ConfigError lists every required field missing from a processor record.
type ConfigError struct {
	ProcessorID string
	Protocol    Protocol
	Missing     []string
	Reason      string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "processor %q", e.ProcessorID)
	if e.Protocol != "" {
		fmt.Fprintf(&b, " (%s)", e.Protocol)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Missing) > 0 {
		b.WriteString(": missing ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	return b.String()
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Normalize fills defaults and canonicalizes enumerated fields. It returns a
// copy; c is left untouched.
func (c Config) Normalize() (Config, error) {
	if c.Protocol != "" {
		p, err := ParseProtocol(string(c.Protocol))
		if err != nil {
			return c, &ConfigError{ProcessorID: c.ID, Reason: err.Error()}
		}
		c.Protocol = p
	}
	v, err := ParseVersion(string(c.Version))
	if err != nil {
		return c, &ConfigError{ProcessorID: c.ID, Protocol: c.Protocol, Reason: err.Error()}
	}
	c.Version = v

	switch Environment(strings.ToLower(string(c.Environment))) {
	case "", EnvDevelopment, "training", "test":
		c.Environment = EnvDevelopment
	case EnvProduction:
		c.Environment = EnvProduction
	default:
		return c, &ConfigError{ProcessorID: c.ID, Protocol: c.Protocol,
			Reason: fmt.Sprintf("unknown environment %q", c.Environment)}
	}

	if c.Port == 0 {
		switch c.Protocol {
		case ProtocolSFTP:
			c.Port = DefaultSFTPPort
		case ProtocolSOAP:
			c.Port = DefaultSOAPPort
		}
	}
	if c.WorkDir != "" {
		c.WorkDir = filepath.Clean(c.WorkDir)
	}
	if c.Extra != nil {
		extra := make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			extra[k] = v
		}
		c.Extra = extra
	}
	return c, nil
}

// RequiredFields returns the fields that must be non-empty for protocol p.
func RequiredFields(p Protocol) []string {
	switch p {
	case ProtocolDropBox:
		return []string{"results_path", "work_dir"}
	case ProtocolSFTP:
		return []string{"host", "username", "password", "results_path", "work_dir"}
	case ProtocolSOAP:
		return []string{"host", "username", "password"}
	}
	return nil
}

func (c *Config) field(name string) string {
	switch name {
	case "host":
		return c.Host
	case "username":
		return c.Username
	case "password":
		return c.Password
	case "results_path":
		return c.ResultsPath
	case "work_dir":
		return c.WorkDir
	}
	return ""
}

// Validate reports a *ConfigError when a field required by the protocol is
// empty. It performs no I/O.
func (c *Config) Validate() error {
	if c.ID == "" {
		return &ConfigError{Protocol: c.Protocol, Missing: []string{"id"}}
	}
	switch c.Protocol {
	case ProtocolDropBox, ProtocolSFTP, ProtocolSOAP, ProtocolInternal:
	case "":
		return &ConfigError{ProcessorID: c.ID, Missing: []string{"protocol"}}
	default:
		return &ConfigError{ProcessorID: c.ID, Protocol: c.Protocol, Reason: "unknown protocol"}
	}

	var missing []string
	for _, f := range RequiredFields(c.Protocol) {
		if strings.TrimSpace(c.field(f)) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &ConfigError{ProcessorID: c.ID, Protocol: c.Protocol, Missing: missing}
	}
	if c.Port < 0 || c.Port > 65535 {
		return &ConfigError{ProcessorID: c.ID, Protocol: c.Protocol, Reason: fmt.Sprintf("invalid port %d", c.Port)}
	}
	return nil
}

// IsProduction reports whether the processor talks to the lab's production
// system.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// BackupDir is the archive directory of acknowledged artifacts.
func (c *Config) BackupDir() string {
	return filepath.Join(c.WorkDir, "backups")
}

// DisplayName returns Name, falling back to ID.
func (c *Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
