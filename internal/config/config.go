// Package config handles configuration loading for the MHS.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and queue passwords to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP listener settings for the outbound and inbound services
//   - spine: this MHS's identity and Spine connection defaults
//   - storage: work description persistence (MongoDB or in-memory)
//   - queue: downstream AMQP hand-off for inbound messages
//   - routing: static service routes (URL, party key, CPA id, reliability)
//   - interactions: interaction id to service/action/workflow mappings
//
// # Example Configuration
//
//	server:
//	  outboundPort: 80
//	  inboundPort: 443
//	  tls:
//	    enabled: true
//	    certFile: /etc/ssl/mhs.crt
//	    keyFile: /etc/ssl/mhs.key
//
//	spine:
//	  fromPartyId: "YES-0000806"
//	  fromAsid: "918999199084"
//
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MHS_STATE_DB_URI}
//	    database: mhs
//
//	queue:
//	  url: ${MHS_INBOUND_QUEUE_URL}
//	  name: inbound
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nhsconnect/go-mhs/internal/store"
)

// Config is the root configuration structure
type Config struct {
	Server       ServerConfig           `yaml:"server"`
	Spine        SpineConfig            `yaml:"spine"`
	Storage      StorageConfig          `yaml:"storage"`
	Queue        QueueConfig            `yaml:"queue"`
	Routing      RoutingConfig          `yaml:"routing"`
	Interactions map[string]Interaction `yaml:"interactions"`
}

// ServerConfig holds HTTP listener settings. The outbound listener faces
// the supplier system; the inbound listener faces Spine.
type ServerConfig struct {
	OutboundPort    int           `yaml:"outboundPort"`
	InboundPort     int           `yaml:"inboundPort"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	TLS             struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
		CAFile   string `yaml:"caFile"`
	} `yaml:"tls"`
}

// SpineConfig holds this MHS's identity and the outbound connection
// parameters shared by every workflow.
type SpineConfig struct {
	FromPartyID string `yaml:"fromPartyId"`
	FromASID    string `yaml:"fromAsid"`

	// ForwardReliableURL is the fixed Spine forward-reliable intermediary
	// endpoint.
	ForwardReliableURL string `yaml:"forwardReliableUrl"`

	// MaxRequestSize bounds the serialized outbound message in bytes.
	MaxRequestSize int `yaml:"maxRequestSize"`

	// RetriableSoapFaultCodes are the Spine SOAP fault error codes worth
	// an application-level retransmission.
	RetriableSoapFaultCodes []int `yaml:"retriableSoapFaultCodes"`

	// ResyncTimeout bounds the sync-async wait for the async response.
	ResyncTimeout time.Duration `yaml:"resyncTimeout"`

	HTTP struct {
		MaxRetries int           `yaml:"maxRetries"`
		RetryDelay time.Duration `yaml:"retryDelay"`
		Timeout    time.Duration `yaml:"timeout"`
		CertFile   string        `yaml:"certFile"`
		KeyFile    string        `yaml:"keyFile"`
		CAFile     string        `yaml:"caFile"`
	} `yaml:"http"`
}

// StorageConfig holds work description persistence settings
type StorageConfig struct {
	// Type selects the backend: "mongodb" or "memory".
	Type       string        `yaml:"type"`
	MaxRetries int           `yaml:"maxRetries"`
	MongoDB    MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// QueueConfig holds the downstream AMQP queue settings
type QueueConfig struct {
	URL        string        `yaml:"url"`
	Name       string        `yaml:"name"`
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// RoutingConfig holds the static route table keyed by service id.
type RoutingConfig struct {
	Routes map[string]RouteConfig `yaml:"routes"`
}

// RouteConfig is one directory entry for a service. OrgCode narrows the
// route to one organisation; empty matches any.
type RouteConfig struct {
	OrgCode     string            `yaml:"orgCode"`
	URLs        []string          `yaml:"urls"`
	PartyKey    string            `yaml:"partyKey"`
	CPAID       string            `yaml:"cpaId"`
	Reliability ReliabilityConfig `yaml:"reliability"`
}

// ReliabilityConfig mirrors the directory's reliability contract. Interval
// and persist duration are ISO 8601 durations as published by SDS.
type ReliabilityConfig struct {
	Retries         int    `yaml:"retries"`
	RetryInterval   string `yaml:"retryInterval"`
	PersistDuration string `yaml:"persistDuration"`
}

// Interaction maps a supplier-facing interaction id to the Spine service it
// invokes and the workflow that delivers it.
type Interaction struct {
	Service  string `yaml:"service"`
	Action   string `yaml:"action"`
	Workflow string `yaml:"workflow"`
	// SyncAsync marks interactions that support sync-async wrapping.
	SyncAsync bool `yaml:"syncAsync"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.OutboundPort == 0 {
		c.Server.OutboundPort = 80
	}
	if c.Server.InboundPort == 0 {
		c.Server.InboundPort = 443
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Spine.MaxRequestSize == 0 {
		c.Spine.MaxRequestSize = 5000000
	}
	if len(c.Spine.RetriableSoapFaultCodes) == 0 {
		// Spine error codes for transient routing and delivery failures.
		c.Spine.RetriableSoapFaultCodes = []int{200, 206, 208}
	}
	if c.Spine.ResyncTimeout == 0 {
		c.Spine.ResyncTimeout = 20 * time.Second
	}
	if c.Spine.HTTP.MaxRetries == 0 {
		c.Spine.HTTP.MaxRetries = 3
	}
	if c.Spine.HTTP.RetryDelay == 0 {
		c.Spine.HTTP.RetryDelay = 100 * time.Millisecond
	}
	if c.Spine.HTTP.Timeout == 0 {
		c.Spine.HTTP.Timeout = 60 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "mongodb"
	}
	if c.Storage.MaxRetries == 0 {
		c.Storage.MaxRetries = 3
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "mhs"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "inbound"
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = 100 * time.Millisecond
	}
}

func (c *Config) validate() error {
	if c.Spine.FromPartyID == "" {
		return fmt.Errorf("spine.fromPartyId is required")
	}

	switch c.Storage.Type {
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	case "memory":
		// Valid, nothing to check
	default:
		return fmt.Errorf("storage.type must be 'mongodb' or 'memory', got '%s'", c.Storage.Type)
	}

	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}

	for id, interaction := range c.Interactions {
		if interaction.Service == "" || interaction.Action == "" {
			return fmt.Errorf("interaction '%s' must set service and action", id)
		}
		if !store.WorkflowName(interaction.Workflow).Valid() {
			return fmt.Errorf("interaction '%s' names unknown workflow '%s'", id, interaction.Workflow)
		}
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.certFile and keyFile are required when TLS is enabled")
		}
	}

	return nil
}
