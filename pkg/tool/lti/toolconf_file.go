// pkg/tool/lti/toolconf_file.go
package lti

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

/*
Tool configuration file

Each top-level key is an issuer. Its value is either one object (the issuer
has a single client) or a list of objects (many clients):

	https://canvas.instructure.com:
	  client_id: "10000000000004"
	  auth_login_url: https://canvas.instructure.com/api/lti/authorize_redirect
	  auth_token_url: https://canvas.instructure.com/login/oauth2/token
	  key_set_url: https://canvas.instructure.com/api/lti/security/jwks
	  private_key_file: private.key
	  public_key_file: public.key
	  deployment_ids: ["6:8865aa05b4b79b64a91a86042e43af5ea8ae79eb"]

JSON is accepted as well (it is read through the YAML decoder). Key file
paths are relative to the file's directory.
*/

// ToolConfEntry is one client of one issuer as written in a tool conf file.
type ToolConfEntry struct {
	Issuer         string         `yaml:"-"`
	Mode           AddressingMode `yaml:"-"`
	Default        bool           `yaml:"default"`
	ClientID       string         `yaml:"client_id"`
	AuthLoginURL   string         `yaml:"auth_login_url"`
	AuthTokenURL   string         `yaml:"auth_token_url"`
	AuthAudience   string         `yaml:"auth_audience"`
	KeySetURL      string         `yaml:"key_set_url"`
	KeySet         map[string]any `yaml:"key_set"`
	PrivateKeyFile string         `yaml:"private_key_file"`
	PublicKeyFile  string         `yaml:"public_key_file"`
	DeploymentIDs  []string       `yaml:"deployment_ids"`

	PrivateKeyPEM []byte `yaml:"-"`
	PublicKeyPEM  []byte `yaml:"-"`
}

// Config converts the entry into registration input.
func (e ToolConfEntry) Config() (RegistrationConfig, error) {
	cfg := RegistrationConfig{
		Issuer:        e.Issuer,
		ClientID:      e.ClientID,
		AuthLoginURL:  e.AuthLoginURL,
		AuthTokenURL:  e.AuthTokenURL,
		AuthAudience:  e.AuthAudience,
		KeySetURL:     e.KeySetURL,
		PrivateKeyPEM: e.PrivateKeyPEM,
		PublicKeyPEM:  e.PublicKeyPEM,
	}
	if len(e.KeySet) > 0 {
		b, err := json.Marshal(e.KeySet)
		if err != nil {
			return cfg, wrapErr(KindConfiguration, err, "tool conf %s: key_set", e.Issuer)
		}
		cfg.KeySetJSON = b
	}
	return cfg, nil
}

// ParseToolConf decodes a tool conf document and reads the key files it
// references from baseDir. Entries come back sorted by issuer.
func ParseToolConf(data []byte, baseDir string) ([]ToolConfEntry, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, wrapErr(KindConfiguration, err, "tool conf: decode")
	}
	issuers := make([]string, 0, len(doc))
	for iss := range doc {
		issuers = append(issuers, iss)
	}
	sort.Strings(issuers)

	var out []ToolConfEntry
	for _, iss := range issuers {
		node := doc[iss]
		var entries []ToolConfEntry
		mode := SingleClient
		switch node.Kind {
		case yaml.SequenceNode:
			mode = MultiClient
			if err := node.Decode(&entries); err != nil {
				return nil, wrapErr(KindConfiguration, err, "tool conf %s", iss)
			}
		case yaml.MappingNode:
			var e ToolConfEntry
			if err := node.Decode(&e); err != nil {
				return nil, wrapErr(KindConfiguration, err, "tool conf %s", iss)
			}
			entries = []ToolConfEntry{e}
		default:
			return nil, newErr(KindConfiguration, "tool conf %s: expected object or list", iss)
		}
		for _, e := range entries {
			e.Issuer, e.Mode = iss, mode
			var err error
			if e.PrivateKeyFile != "" {
				if e.PrivateKeyPEM, err = readKeyFile(baseDir, e.PrivateKeyFile); err != nil {
					return nil, wrapErr(KindConfiguration, err, "tool conf %s: private key", iss)
				}
			}
			if e.PublicKeyFile != "" {
				if e.PublicKeyPEM, err = readKeyFile(baseDir, e.PublicKeyFile); err != nil {
					return nil, wrapErr(KindConfiguration, err, "tool conf %s: public key", iss)
				}
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadToolConf reads and parses path. Key files resolve relative to it.
func ReadToolConf(path string) ([]ToolConfEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr(KindConfiguration, err, "tool conf file not found: %s", path)
	}
	return ParseToolConf(data, filepath.Dir(path))
}

// LoadToolConf reads path and builds an in-memory registry from it.
func LoadToolConf(path string) (*ToolConf, error) {
	entries, err := ReadToolConf(path)
	if err != nil {
		return nil, err
	}
	return BuildToolConf(entries)
}

// BuildToolConf turns parsed entries into an in-memory registry.
func BuildToolConf(entries []ToolConfEntry) (*ToolConf, error) {
	tc := NewToolConf()
	for _, e := range entries {
		reg, err := e.Registration()
		if err != nil {
			return nil, err
		}
		if err := tc.Add(reg, e.Mode, e.Default, e.DeploymentIDs...); err != nil {
			return nil, err
		}
	}
	return tc, nil
}

// Registration validates the entry and builds its Registration.
func (e ToolConfEntry) Registration() (*Registration, error) {
	cfg, err := e.Config()
	if err != nil {
		return nil, err
	}
	return NewRegistration(cfg)
}

func readKeyFile(baseDir, name string) ([]byte, error) {
	if !filepath.IsAbs(name) {
		name = filepath.Join(baseDir, name)
	}
	return os.ReadFile(name)
}
