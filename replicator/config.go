package replicator

import (
	"encoding/xml"
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// Mode selects how row modifications are applied downstream.
type Mode string

const (
	// ModeReplicate converts UPDATE and DELETE row events into the
	// equivalent SQL statements.
	ModeReplicate Mode = "replicate"
	// ModeTransform rewrites UPDATE and DELETE row events into inserts of
	// the row images, producing an append-only change history.
	ModeTransform Mode = "transform"
)

// Config tells the replicator where to replicate from and where the
// converted data goes.
type Config struct {
	MariaDB    MariaDBConfig    `ini:"mariadb"`
	CS         CSConfig         `ini:"cs"`
	Replicator ReplicatorConfig `ini:"replicator"`
	Metrics    MetricsConfig    `ini:"metrics"`
	Log        LogConfig        `ini:"log"`
}

// MariaDBConfig is the upstream primary the binlog stream is read from.
type MariaDBConfig struct {
	Host     string   `ini:"host"`
	Port     int      `ini:"port"`
	User     string   `ini:"user"`
	Password string   `ini:"password"`
	ServerID uint32   `ini:"server_id"`
	GTID     string   `ini:"gtid"`
	Tables   []string `ini:"tables"`
}

// CSConfig is the ColumnStore UM the converted data is written to. When XML
// points at a Columnstore.xml file, its CrossEngineSupport section fills in
// any connection settings left unset here.
type CSConfig struct {
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
	XML      string `ini:"xml"`
}

type ReplicatorConfig struct {
	StateDir string `ini:"state_dir"`
	Mode     Mode   `ini:"mode"`
}

type MetricsConfig struct {
	Listen string `ini:"listen"`
}

type LogConfig struct {
	Level string `ini:"level"`
}

func (c *MariaDBConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *CSConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadConfig reads an INI configuration file.
func LoadConfig(path string) (*Config, error) {
	var file, err = ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config file %q: %w", path, err)
	}
	var config Config
	if err := file.MapTo(&config); err != nil {
		return nil, fmt.Errorf("error parsing config file %q: %w", path, err)
	}
	if config.CS.XML != "" {
		if err := config.CS.applyLocator(); err != nil {
			return nil, err
		}
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SetDefaults fills in the default values for unset optional parameters.
func (c *Config) SetDefaults() {
	if c.MariaDB.Port == 0 {
		c.MariaDB.Port = 3306
	}
	if c.CS.Port == 0 {
		c.CS.Port = 3306
	}
	if c.Replicator.StateDir == "" {
		c.Replicator.StateDir = "."
	}
	if c.Replicator.Mode == "" {
		c.Replicator.Mode = ModeReplicate
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks that the configuration possesses all required properties.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"mariadb.host", c.MariaDB.Host},
		{"mariadb.user", c.MariaDB.User},
		{"cs.host", c.CS.Host},
		{"cs.user", c.CS.User},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	if c.MariaDB.ServerID == 0 {
		return fmt.Errorf("'mariadb.server_id' must be a nonzero 32-bit integer")
	}
	if c.MariaDB.GTID != "" {
		if _, err := parseGTID(c.MariaDB.GTID); err != nil {
			return fmt.Errorf("invalid 'mariadb.gtid': %w", err)
		}
	}
	for _, table := range c.MariaDB.Tables {
		if _, _, ok := splitTableName(table); !ok {
			return fmt.Errorf("config parameter 'mariadb.tables' entries must be fully-qualified as '<database>.<table>': %q", table)
		}
	}
	if c.Replicator.Mode != ModeReplicate && c.Replicator.Mode != ModeTransform {
		return fmt.Errorf("invalid 'replicator.mode' %q: must be %q or %q", c.Replicator.Mode, ModeReplicate, ModeTransform)
	}
	return nil
}

func splitTableName(name string) (string, string, bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:], i > 0 && i < len(name)-1
		}
	}
	return "", "", false
}

// columnstoreXML is the subset of Columnstore.xml the replicator cares
// about: the SQL interface of the UM.
type columnstoreXML struct {
	XMLName     xml.Name `xml:"Columnstore"`
	CrossEngine struct {
		Host     string `xml:"Host"`
		Port     int    `xml:"Port"`
		User     string `xml:"User"`
		Password string `xml:"Password"`
	} `xml:"CrossEngineSupport"`
}

func (c *CSConfig) applyLocator() error {
	var data, err = os.ReadFile(c.XML)
	if err != nil {
		return fmt.Errorf("error reading ColumnStore locator %q: %w", c.XML, err)
	}
	var parsed columnstoreXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("error parsing ColumnStore locator %q: %w", c.XML, err)
	}
	if c.Host == "" {
		c.Host = parsed.CrossEngine.Host
	}
	if c.Port == 0 {
		c.Port = parsed.CrossEngine.Port
	}
	if c.User == "" {
		c.User = parsed.CrossEngine.User
	}
	if c.Password == "" {
		c.Password = parsed.CrossEngine.Password
	}
	return nil
}
