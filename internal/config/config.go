// Package config decodes and validates the YAML configuration file that
// describes the desired fleet of HTTP servers: one or more ServerConfigs,
// each with a bind address and an ordered list of Routes.
//
// Decoding is strict: unknown top-level and route keys are rejected, and a
// Route must carry exactly one content kind (html, json, raw, or dir).
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind identifies which content a Route serves.
type Kind uint8

// Route content kinds.
const (
	KindHTML Kind = iota + 1
	KindJSON
	KindRaw
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindJSON:
		return "json"
	case KindRaw:
		return "raw"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Config is the top-level desired state: a sequence of ServerConfigs.
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one HTTP listener and the routes it serves.
//
// BindAddress is optional; when empty, an ephemeral loopback port is chosen
// at bind time. Name is carried through for log correlation only and never
// participates in bind-key identity.
type ServerConfig struct {
	Name        string  `yaml:"name,omitempty"`
	BindAddress string  `yaml:"bind_address,omitempty"`
	Routes      []Route `yaml:"routes"`
}

// Route is a single (path, opts, kind) triple.
type Route struct {
	Path string
	CORS bool
	// Headers carries extra literal response headers. They are set before
	// the kind-specific Content-Type, so a Content-Type entry here is
	// replaced wherever the route kind sets its own.
	Headers map[string]string

	Kind Kind
	HTML string
	JSON any
	Raw  string
	Dir  string
}

// BindKey returns the identity of the server within the supervisor: the
// configured bind address string, verbatim. Ephemeral servers (those with
// no configured address) have no stable BindKey; the supervisor identifies
// them by list position instead.
func (sc ServerConfig) BindKey() (string, bool) {
	if sc.BindAddress == "" {
		return "", false
	}
	return sc.BindAddress, true
}

// ParseError is returned for any YAML or schema violation found while
// decoding a configuration file or document.
type ParseError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config: %s: %s: %v", e.Path, e.Reason, e.Cause)
	}
	return fmt.Sprintf("config: %s: %v", e.Reason, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Load reads and decodes the YAML configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Reason: "cannot read config file", Cause: err}
	}
	return Parse(b, path)
}

// Parse decodes a YAML document into a Config. path is used only for error
// messages and may be empty.
func Parse(doc []byte, path string) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)

	var raw rawConfig
	if err := dec.Decode(&raw); err != nil {
		return nil, &ParseError{Path: path, Reason: "invalid YAML", Cause: err}
	}

	cfg := &Config{Servers: make([]ServerConfig, 0, len(raw.Servers))}
	seen := map[string]bool{}
	for i, rs := range raw.Servers {
		sc, err := rs.toServerConfig()
		if err != nil {
			return nil, &ParseError{Path: path, Reason: fmt.Sprintf("server[%d]", i), Cause: err}
		}

		if sc.BindAddress != "" {
			if seen[sc.BindAddress] {
				return nil, &ParseError{
					Path:   path,
					Reason: fmt.Sprintf("server[%d]: duplicate bind_address %q", i, sc.BindAddress),
					Cause:  fmt.Errorf("a bind_address may appear only once; the whole document is rejected"),
				}
			}
			seen[sc.BindAddress] = true
		}

		cfg.Servers = append(cfg.Servers, sc)
	}

	return cfg, nil
}

// rawConfig and rawServerConfig mirror Config/ServerConfig but keep Routes
// as rawRoute so the one-of "html|json|raw|dir" tag validation can run by
// hand instead of relying on a discriminated union yaml.v3 cannot express.
type rawConfig struct {
	Servers []rawServerConfig `yaml:"servers"`
}

type rawServerConfig struct {
	Name        string     `yaml:"name,omitempty"`
	BindAddress string     `yaml:"bind_address,omitempty"`
	Routes      []rawRoute `yaml:"routes"`
}

func (rs rawServerConfig) toServerConfig() (ServerConfig, error) {
	sc := ServerConfig{Name: rs.Name, BindAddress: rs.BindAddress}
	sc.Routes = make([]Route, 0, len(rs.Routes))
	for i, rr := range rs.Routes {
		r, err := rr.toRoute()
		if err != nil {
			return ServerConfig{}, fmt.Errorf("route[%d] %q: %w", i, rr.Path, err)
		}
		sc.Routes = append(sc.Routes, r)
	}
	return sc, nil
}

type rawRoute struct {
	Path    string            `yaml:"path"`
	CORS    bool              `yaml:"cors,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	HTML    *string           `yaml:"html,omitempty"`
	JSON    any               `yaml:"json,omitempty"`
	Raw     *string           `yaml:"raw,omitempty"`
	Dir     *string           `yaml:"dir,omitempty"`
	jsonSet bool
}

// UnmarshalYAML distinguishes an absent "json:" key from a present one whose
// value happens to be the YAML null, so that `json: null` is a valid literal
// body rather than "no json key at all". It also rejects unknown route keys
// itself, because value.Decode does not inherit the outer decoder's
// KnownFields setting.
func (rr *rawRoute) UnmarshalYAML(value *yaml.Node) error {
	type plain rawRoute
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*rr = rawRoute(p)

	for i := 0; i+1 < len(value.Content); i += 2 {
		switch key := value.Content[i]; key.Value {
		case "json":
			rr.jsonSet = true
		case "path", "cors", "headers", "html", "raw", "dir":
		default:
			return fmt.Errorf("line %d: unknown route key %q", key.Line, key.Value)
		}
	}

	return nil
}

func (rr rawRoute) toRoute() (Route, error) {
	if rr.Path == "" {
		return Route{}, fmt.Errorf("path is required")
	}

	present := 0
	var kind Kind
	if rr.HTML != nil {
		present++
		kind = KindHTML
	}
	if rr.jsonSet {
		present++
		kind = KindJSON
	}
	if rr.Raw != nil {
		present++
		kind = KindRaw
	}
	if rr.Dir != nil {
		present++
		kind = KindDir
	}

	if present == 0 {
		return Route{}, fmt.Errorf("exactly one of html, json, raw, dir is required, got none")
	}
	if present > 1 {
		return Route{}, fmt.Errorf("exactly one of html, json, raw, dir is required, got %d", present)
	}

	r := Route{
		Path:    rr.Path,
		CORS:    rr.CORS,
		Headers: rr.Headers,
		Kind:    kind,
	}

	switch kind {
	case KindHTML:
		r.HTML = *rr.HTML
	case KindJSON:
		r.JSON = rr.JSON
	case KindRaw:
		r.Raw = *rr.Raw
	case KindDir:
		r.Dir = *rr.Dir
	}

	return r, nil
}
