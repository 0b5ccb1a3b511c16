package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-dw-pipeline/jsonrs"
)

const (
	SourceTypePostgres = "postgresql"

	defaultSourceHost     = "localhost"
	defaultSourcePort     = 5432
	defaultSourceUser     = "postgres"
	defaultSourcePassword = "postgres"
	defaultSourceSSLMode  = "disable"
)

// SourceConfig describes where and what to extract.
// Exactly one of Query or TableName is used, Query takes precedence.
type SourceConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Database  string `json:"database"`
	User      string `json:"user"`
	Password  string `json:"password"`
	SSLMode   string `json:"sslmode"`
	Query     string `json:"query"`
	TableName string `json:"table_name"`
}

// WithDefaults fills unset connection fields.
func (c SourceConfig) WithDefaults() SourceConfig {
	if c.Host == "" {
		c.Host = defaultSourceHost
	}
	if c.Port == 0 {
		c.Port = defaultSourcePort
	}
	if c.User == "" {
		c.User = defaultSourceUser
	}
	if c.Password == "" {
		c.Password = defaultSourcePassword
	}
	if c.SSLMode == "" {
		c.SSLMode = defaultSourceSSLMode
	}
	return c
}

// ValidateConnection checks the fields needed to connect.
func (c SourceConfig) ValidateConnection() error {
	if c.Database == "" {
		return ConfigError("validating source config", errors.New("database is required"))
	}
	return nil
}

// Validate checks the config can be extracted from.
func (c SourceConfig) Validate() error {
	if err := c.ValidateConnection(); err != nil {
		return err
	}
	if c.Query == "" && c.TableName == "" {
		return ConfigError("validating source config", errors.New("either query or table_name is required"))
	}
	return nil
}

// ExtractQuery returns the statement to run. Table names are interpolated as is.
func (c SourceConfig) ExtractQuery() string {
	if c.Query != "" {
		return c.Query
	}
	return "SELECT * FROM " + c.TableName
}

func (c SourceConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}

// Marshal encodes the config as stored in data_sources.connection_config.
func (c SourceConfig) Marshal() ([]byte, error) {
	data, err := jsonrs.Marshal(c)
	if err != nil {
		return nil, ConfigError("encoding connection config", err)
	}
	return data, nil
}

// DataSource is a registered source. The pipeline only reads it.
type DataSource struct {
	ID               int64
	Name             string
	SourceType       string
	ConnectionConfig []byte
	CreatedAt        time.Time
}

// SourceConfig decodes the connection config and applies defaults.
func (ds DataSource) SourceConfig() (SourceConfig, error) {
	var c SourceConfig
	if len(ds.ConnectionConfig) > 0 {
		if err := jsonrs.Unmarshal(ds.ConnectionConfig, &c); err != nil {
			return SourceConfig{}, ConfigError("decoding connection config", err)
		}
	}
	return c.WithDefaults(), nil
}

// DestinationTable is the per job destination table name.
func (ds DataSource) DestinationTable(jobID int64) string {
	return fmt.Sprintf("%s_%d", ds.Name, jobID)
}
