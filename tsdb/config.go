package tsdb

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/saxdb/saxdb/kit/errors"
)

const (
	// DefaultDataDir is the root directory for databases.
	DefaultDataDir = "db_files"

	// DefaultDBName is the subdirectory used when none is given.
	DefaultDBName = "default"

	// DefaultFlushEvery is the number of mutations between snapshots of the
	// primary index and truncation of the log.
	DefaultFlushEvery = 10

	// DefaultSAXWordLength is the number of PAA segments per SAX word.
	DefaultSAXWordLength = 4

	// DefaultSAXCardinality is the alphabet size per SAX symbol. Must be a
	// power of two.
	DefaultSAXCardinality = 4

	// DefaultTreeThreshold is the maximum number of series per tree terminal
	// before it splits.
	DefaultTreeThreshold = 5
)

// Config represents the configuration for an opened database.
type Config struct {
	// DataDir is the root directory under which databases live.
	DataDir string `toml:"data_dir"`

	// DBName selects the subdirectory under DataDir.
	DBName string `toml:"db_name"`

	// TSLength is the fixed length of every series in the database.
	TSLength int `toml:"ts_length"`

	// FlushEvery is the log-flush cadence in operations.
	FlushEvery int `toml:"flush_every"`

	// SAXWordLength is the SAX word length w. Must divide TSLength.
	SAXWordLength int `toml:"sax_word_length"`

	// SAXCardinality is the SAX alphabet cardinality c. Must be a power of two.
	SAXCardinality int `toml:"sax_cardinality"`

	// TreeThreshold is the maximum entries per tree terminal node.
	TreeThreshold int `toml:"tree_threshold"`
}

// NewConfig returns the default configuration.
func NewConfig() Config {
	return Config{
		DataDir:        DefaultDataDir,
		DBName:         DefaultDBName,
		FlushEvery:     DefaultFlushEvery,
		SAXWordLength:  DefaultSAXWordLength,
		SAXCardinality: DefaultSAXCardinality,
		TreeThreshold:  DefaultTreeThreshold,
	}
}

// FromTomlFile loads configuration from a TOML file over the defaults.
func (c *Config) FromTomlFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return &errors.Error{Code: errors.EInvalid, Msg: "parsing config file", Op: path, Err: err}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("unknown config key %q", undecoded[0].String()),
			Op:   path,
		}
	}
	return nil
}

// Validate returns an error if the configuration is unusable.
func (c Config) Validate() error {
	if c.TSLength <= 0 {
		return &errors.Error{Code: errors.EInvalid, Msg: "ts_length must be positive"}
	}
	if c.DataDir == "" {
		return &errors.Error{Code: errors.EInvalid, Msg: "data_dir must be set"}
	}
	if c.DBName == "" {
		return &errors.Error{Code: errors.EInvalid, Msg: "db_name must be set"}
	}
	if c.FlushEvery <= 0 {
		return &errors.Error{Code: errors.EInvalid, Msg: "flush_every must be positive"}
	}
	if c.SAXWordLength <= 0 || c.TSLength%c.SAXWordLength != 0 {
		return &errors.Error{Code: errors.EInvalid, Msg: "sax_word_length must divide ts_length"}
	}
	if c.SAXCardinality < 2 || c.SAXCardinality&(c.SAXCardinality-1) != 0 {
		return &errors.Error{Code: errors.EInvalid, Msg: "sax_cardinality must be a power of two"}
	}
	if c.TreeThreshold <= 0 {
		return &errors.Error{Code: errors.EInvalid, Msg: "tree_threshold must be positive"}
	}
	return nil
}
