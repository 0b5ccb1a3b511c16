package model

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// DestinationConfig describes the ClickHouse server tables are loaded into.
type DestinationConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	Secure       bool
	SkipVerify   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Compress     bool
	BlockSize    int
}

func DefaultDestinationConfig() DestinationConfig {
	return DestinationConfig{
		Host:         "localhost",
		Port:         9000,
		Database:     "default",
		User:         "default",
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 1800 * time.Second,
		BlockSize:    1000000,
	}
}

// DSN returns the clickhouse-go v1 connection url.
func (c DestinationConfig) DSN() string {
	dsn := url.URL{
		Scheme: "tcp",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
	}

	values := url.Values{
		"username":      []string{c.User},
		"password":      []string{c.Password},
		"database":      []string{c.Database},
		"secure":        []string{strconv.FormatBool(c.Secure)},
		"skip_verify":   []string{strconv.FormatBool(c.SkipVerify)},
		"read_timeout":  []string{strconv.Itoa(int(c.ReadTimeout / time.Second))},
		"write_timeout": []string{strconv.Itoa(int(c.WriteTimeout / time.Second))},
		"compress":      []string{strconv.FormatBool(c.Compress)},
	}
	if c.BlockSize > 0 {
		values.Add("block_size", strconv.Itoa(c.BlockSize))
	}

	dsn.RawQuery = values.Encode()
	return dsn.String()
}

// TableInfo is a diagnostic summary of a destination table.
type TableInfo struct {
	Name     string       `json:"name"`
	Columns  []ColumnInfo `json:"columns"`
	RowCount int64        `json:"row_count"`
	Size     string       `json:"size"`
}

type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}
