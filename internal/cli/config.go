package cli

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/ledgeraccounts/accounts/common/key"
	"github.com/ledgeraccounts/accounts/internal/net"
)

// Duration is a time.Duration written as "30s" in configuration files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// PeerConfig is a well-known party listed in the configuration file.
type PeerConfig struct {
	Name    string `validate:"required"`
	Address string `validate:"required,hostname_port"`
	Key     string `validate:"required,hexadecimal"`
}

// FileConfig is the TOML configuration file of a node.
type FileConfig struct {
	Name           string `validate:"required"`
	PrivateListen  string `validate:"omitempty,hostname_port"`
	ControlListen  string `validate:"omitempty,hostname_port"`
	Folder         string
	SessionTimeout Duration
	LogLevel       string       `validate:"omitempty,oneof=debug info warn warning error"`
	TLSCert        string       `validate:"required_with=TLSKey"`
	TLSKey         string       `validate:"required_with=TLSCert"`
	TrustedCerts   []string
	Peers          []PeerConfig `validate:"dive"`
}

var validate = validator.New()

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (*FileConfig, error) {
	c := new(FileConfig)
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return c, nil
}

// Validate checks the configuration.
func (c *FileConfig) Validate() error {
	return validate.Struct(c)
}

// PeerList decodes the configured peers.
func (c *FileConfig) PeerList() ([]net.Peer, error) {
	peers := make([]net.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		k, err := key.ParsePublicKey(p.Key)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.Name, err)
		}
		peers = append(peers, net.Peer{
			Party:   key.Party{Name: key.PartyName(p.Name), Key: k},
			Address: p.Address,
		})
	}
	return peers, nil
}
