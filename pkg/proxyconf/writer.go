package proxyconf

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/cuemby/netident/pkg/fsutil"
	"github.com/cuemby/netident/pkg/log"
	"github.com/cuemby/netident/pkg/types"
	"github.com/rs/zerolog"
)

//go:embed nginx.conf.tmpl
var nginxTemplate string

const (
	configFileMode = 0644

	DefaultHTTPPort          = 80
	DefaultHTTPSPort         = 443
	DefaultClientMaxBodySize = "100m"
	DefaultReadTimeout       = "3600s"
)

// RenderError is returned when a proxy config cannot be rendered or installed
type RenderError struct {
	Op  string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("proxy config render failed (%s): %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Config controls rendering
type Config struct {
	Path              string
	HTTPPort          int
	HTTPSPort         int
	CertPath          string
	KeyPath           string
	ClientMaxBodySize string
	ReadTimeout       string
}

// Writer renders nginx virtual hosts from an identity and upstream list
type Writer struct {
	cfg    Config
	tmpl   *template.Template
	writer fsutil.FileWriter
	now    func() time.Time
	logger zerolog.Logger
}

type location struct {
	Name       string
	PathPrefix string
	ProxyPass  string
}

type vhost struct {
	ServerName string
	Locations  []location
}

type templateData struct {
	Primary           string
	HTTPPort          int
	HTTPSPort         int
	HTTPSPortSuffix   string
	CertPath          string
	KeyPath           string
	ClientMaxBodySize string
	ReadTimeout       string
	VHosts            []vhost
}

// NewWriter creates a writer. A nil file writer installs atomically.
func NewWriter(cfg Config, writer fsutil.FileWriter) (*Writer, error) {
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = DefaultHTTPPort
	}
	if cfg.HTTPSPort == 0 {
		cfg.HTTPSPort = DefaultHTTPSPort
	}
	if cfg.ClientMaxBodySize == "" {
		cfg.ClientMaxBodySize = DefaultClientMaxBodySize
	}
	if cfg.ReadTimeout == "" {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if writer == nil {
		writer = fsutil.NewAtomicWriter()
	}

	tmpl, err := template.New("nginx").Option("missingkey=error").Parse(nginxTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy template: %w", err)
	}

	return &Writer{
		cfg:    cfg,
		tmpl:   tmpl,
		writer: writer,
		now:    time.Now,
		logger: log.WithComponent("proxyconf"),
	}, nil
}

// Path returns the live config path
func (w *Writer) Path() string {
	return w.cfg.Path
}

// Render produces the virtual-host text for identity. Every identity name
// gets an HTTP->HTTPS redirect host and an HTTPS host proxying to the
// upstreams bound to it. Nothing is written.
func (w *Writer) Render(identity *types.NetworkIdentity, upstreams []types.Upstream) (*types.ProxyConfigSnapshot, error) {
	if identity == nil || identity.PrimaryIP == nil {
		return nil, &RenderError{Op: "validate", Err: errors.New("identity is empty")}
	}
	if err := ValidateUpstreams(upstreams); err != nil {
		return nil, &RenderError{Op: "validate", Err: err}
	}

	names := identity.Names()
	var vhosts []vhost
	var serverNames []string

	for _, name := range names {
		var locs []location
		for _, u := range upstreams {
			if !u.BindsTo(name) {
				continue
			}
			locs = append(locs, location{Name: u.Name, PathPrefix: u.PathPrefix, ProxyPass: proxyPass(u)})
		}
		if len(locs) == 0 {
			continue
		}
		// Longest prefix first keeps output stable and readable
		sort.SliceStable(locs, func(i, j int) bool {
			return len(locs[i].PathPrefix) > len(locs[j].PathPrefix)
		})
		if dup := duplicatePrefix(locs); dup != "" {
			return nil, &RenderError{Op: "validate", Err: fmt.Errorf("path prefix %s is bound twice for %s", dup, name)}
		}

		serverName := ServerName(name)
		serverNames = append(serverNames, serverName)
		vhosts = append(vhosts, vhost{ServerName: serverName, Locations: locs})
	}

	if len(vhosts) == 0 {
		return nil, &RenderError{Op: "validate", Err: fmt.Errorf("no upstream is bound to any of %v", names)}
	}

	for _, u := range upstreams {
		for _, h := range u.Hostnames {
			if !containsName(names, h) {
				w.logger.Warn().Str("upstream", u.Name).Str("hostname", h).Msg("Upstream hostname is not part of the identity, ignoring")
			}
		}
	}

	data := templateData{
		Primary:           identity.PrimaryIP.String(),
		HTTPPort:          w.cfg.HTTPPort,
		HTTPSPort:         w.cfg.HTTPSPort,
		CertPath:          w.cfg.CertPath,
		KeyPath:           w.cfg.KeyPath,
		ClientMaxBodySize: w.cfg.ClientMaxBodySize,
		ReadTimeout:       w.cfg.ReadTimeout,
		VHosts:            vhosts,
	}
	if w.cfg.HTTPSPort != DefaultHTTPSPort {
		data.HTTPSPortSuffix = fmt.Sprintf(":%d", w.cfg.HTTPSPort)
	}

	var buf bytes.Buffer
	if err := w.tmpl.Execute(&buf, data); err != nil {
		return nil, &RenderError{Op: "execute template", Err: err}
	}

	content := buf.Bytes()
	return &types.ProxyConfigSnapshot{
		Path:        w.cfg.Path,
		Content:     content,
		Identity:    *identity,
		ServerNames: serverNames,
		Fingerprint: fsutil.Fingerprint(content),
		RenderedAt:  w.now(),
	}, nil
}

// Write installs a rendered snapshot atomically
func (w *Writer) Write(snapshot *types.ProxyConfigSnapshot) error {
	if w.cfg.Path == "" {
		return &RenderError{Op: "write", Err: errors.New("config path is not set")}
	}
	err := w.writer.WriteFiles(fsutil.File{Path: w.cfg.Path, Data: snapshot.Content, Perm: configFileMode})
	if err != nil {
		return &RenderError{Op: "write", Err: err}
	}

	w.logger.Info().
		Str("path", w.cfg.Path).
		Strs("server_names", snapshot.ServerNames).
		Msg("Installed proxy config")
	return nil
}

// Current returns the installed config
func (w *Writer) Current() ([]byte, error) {
	return os.ReadFile(w.cfg.Path)
}

// ValidateUpstreams checks the static upstream registry
func ValidateUpstreams(upstreams []types.Upstream) error {
	if len(upstreams) == 0 {
		return errors.New("no upstreams configured")
	}

	var errs []error
	names := make(map[string]bool)
	for i, u := range upstreams {
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("upstream %d: name is required", i))
		} else if names[u.Name] {
			errs = append(errs, fmt.Errorf("upstream %s: duplicate name", u.Name))
		}
		names[u.Name] = true

		if u.Host == "" || strings.ContainsAny(u.Host, " ;{}") {
			errs = append(errs, fmt.Errorf("upstream %s: invalid host %q", u.Name, u.Host))
		}
		if u.Port < 1 || u.Port > 65535 {
			errs = append(errs, fmt.Errorf("upstream %s: invalid port %d", u.Name, u.Port))
		}
		if !strings.HasPrefix(u.PathPrefix, "/") || strings.ContainsAny(u.PathPrefix, " ;{}") {
			errs = append(errs, fmt.Errorf("upstream %s: path prefix %q must start with /", u.Name, u.PathPrefix))
		} else if u.StripPrefix && !strings.HasSuffix(u.PathPrefix, "/") {
			// nginx replaces the matched prefix with "/", so /app/x would reach the upstream as //x
			errs = append(errs, fmt.Errorf("upstream %s: strip_prefix requires path prefix %q to end with /", u.Name, u.PathPrefix))
		}
	}
	return errors.Join(errs...)
}

// ServerName formats an identity name for a server_name directive.
// IPv6 literals are bracketed to match the Host header clients send.
func ServerName(name string) string {
	if ip := net.ParseIP(name); ip != nil && ip.To4() == nil {
		return "[" + ip.String() + "]"
	}
	return name
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
		if a, b := net.ParseIP(n), net.ParseIP(name); a != nil && b != nil && a.Equal(b) {
			return true
		}
	}
	return false
}

// proxyPass builds the proxy_pass target. A URI part makes nginx replace the
// matched prefix, which is how strip_prefix is expressed.
func proxyPass(u types.Upstream) string {
	target := "http://" + u.Address()
	if u.StripPrefix {
		target += "/"
	}
	return target
}

func duplicatePrefix(locs []location) string {
	seen := make(map[string]bool, len(locs))
	for _, l := range locs {
		if seen[l.PathPrefix] {
			return l.PathPrefix
		}
		seen[l.PathPrefix] = true
	}
	return ""
}
