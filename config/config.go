/*
Package config implements a parser for LSOE daemon configuration
represented in the TOML format: https://github.com/toml-lang/toml.

All configuration lives in a single table named "lsoe".  Every
parameter is optional except local-id.  Times are expressed in integer
seconds.

	[lsoe]

	# local-id is this router's 10-byte identifier, advertised to
	# peers in the OPEN PDU.  Hex octets, ":" or "-" separated or
	# run together.
	local-id = "00:11:22:33:44:55:66:77:88:99"

	# hello-multicast-macaddr is the destination address for HELLO
	# beacons.  The default is the nearest-bridge scope group
	# address 01-80-c2-00-00-0e.
	hello-multicast-macaddr = "01-80-c2-00-00-0e"

	# ether-type selects the EtherType LSOE frames are carried in.
	# The default is the IEEE experimental EtherType 0x88B5.
	ether-type = 0x88B5

	# Timer parameters, in seconds.
	hello-interval = 15
	keepalive-interval = 10
	hold-time = 40
	retransmit-base = 1
	retransmit-cap = 30
	reassembly-ttl = 5
	mac-cache-timeout = 300

	# max-attempts bounds transmission attempts per PDU.
	max-attempts = 5

	# report-rfc7752-url is the northbound POST target.  Snapshots
	# are not delivered anywhere if it is unset.
	report-rfc7752-url = "http://127.0.0.1:8080/lsoe"

	# interfaces restricts the daemon to the named interfaces.  The
	# default is every non-loopback interface with an address.
	interfaces = [ "eth0", "eth1" ]

	# include-loopback admits loopback interfaces.
	include-loopback = false
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/arrcus/go-lsoe/lsoe"
)

// Config is the parsed daemon configuration.
type Config struct {
	// Engine carries the protocol engine parameters.
	Engine lsoe.EngineConfig
	// ReportURL is the northbound POST target; empty disables the
	// northbound push.
	ReportURL string
	// Interfaces is the optional interface allowlist.
	Interfaces []string
	// IncludeLoopback admits loopback interfaces.
	IncludeLoopback bool
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

// go-toml's ToMap function represents numbers as either uint64 or
// int64, so number conversion has to figure out which it picked and
// range check for the destination type.
func toUint16(v interface{}) (uint16, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toUint(v interface{}) (uint, error) {
	if b, ok := v.(int64); ok {
		if b < 0 {
			return 0, fmt.Errorf("value %d out of range", b)
		}
		return uint(b), nil
	} else if b, ok := v.(uint64); ok {
		return uint(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toDurationSec(v interface{}) (time.Duration, error) {
	u, err := toUint(v)
	if err != nil {
		return 0, err
	}
	if u == 0 {
		return 0, fmt.Errorf("zero timer value")
	}
	return time.Duration(u) * time.Second, nil
}

func toStringList(v interface{}) ([]string, error) {
	l, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array value")
	}
	var out []string
	// TOML arrays can be mixed type, so check value by value.
	for _, vv := range l {
		s, err := toString(vv)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func toLocalID(v interface{}) (id [10]byte, err error) {
	s, err := toString(v)
	if err != nil {
		return id, err
	}
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	if len(clean) != 20 {
		return id, fmt.Errorf("local-id %q is not 10 octets", s)
	}
	for i := 0; i < 10; i++ {
		var b byte
		if _, err := fmt.Sscanf(clean[2*i:2*i+2], "%02x", &b); err != nil {
			return id, fmt.Errorf("local-id %q is not valid hex", s)
		}
		id[i] = b
	}
	return id, nil
}

func toMAC(v interface{}) (lsoe.MAC, error) {
	s, err := toString(v)
	if err != nil {
		return lsoe.MAC{}, err
	}
	return lsoe.ParseMAC(s)
}

func (cfg *Config) parseParameter(key string, value interface{}) (err error) {
	switch key {
	case "local-id":
		cfg.Engine.LocalID, err = toLocalID(value)
	case "hello-multicast-macaddr":
		cfg.Engine.HelloMAC, err = toMAC(value)
	case "ether-type":
		cfg.Engine.EtherType, err = toUint16(value)
	case "hello-interval":
		cfg.Engine.HelloInterval, err = toDurationSec(value)
	case "keepalive-interval":
		cfg.Engine.KeepaliveInterval, err = toDurationSec(value)
	case "hold-time":
		cfg.Engine.HoldTime, err = toDurationSec(value)
	case "retransmit-base":
		cfg.Engine.RetransmitBase, err = toDurationSec(value)
	case "retransmit-cap":
		cfg.Engine.RetransmitCap, err = toDurationSec(value)
	case "max-attempts":
		cfg.Engine.MaxAttempts, err = toUint(value)
	case "reassembly-ttl":
		cfg.Engine.ReassemblyTTL, err = toDurationSec(value)
	case "mac-cache-timeout":
		cfg.Engine.MACCacheTimeout, err = toDurationSec(value)
	case "report-rfc7752-url":
		cfg.ReportURL, err = toString(value)
	case "interfaces":
		cfg.Interfaces, err = toStringList(value)
	case "include-loopback":
		cfg.IncludeLoopback, err = toBool(value)
	default:
		return fmt.Errorf("unrecognised parameter %v", key)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %v", key, err)
	}
	return nil
}

func (cfg *Config) parseTree(tree *toml.Tree) error {
	m := tree.ToMap()
	table, ok := m["lsoe"]
	if !ok {
		return fmt.Errorf("configuration has no [lsoe] table")
	}
	params, ok := table.(map[string]interface{})
	if !ok {
		return fmt.Errorf("lsoe is not a table")
	}
	for key, value := range params {
		if err := cfg.parseParameter(key, value); err != nil {
			return err
		}
	}
	if cfg.Engine.LocalID == ([10]byte{}) {
		return fmt.Errorf("mandatory parameter local-id is not set")
	}
	return nil
}

// LoadString parses configuration from a TOML document held in a
// string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %v", err)
	}
	cfg := &Config{}
	if err := cfg.parseTree(tree); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses configuration from a TOML file on disk.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file %s: %v", path, err)
	}
	cfg := &Config{}
	if err := cfg.parseTree(tree); err != nil {
		return nil, err
	}
	return cfg, nil
}
