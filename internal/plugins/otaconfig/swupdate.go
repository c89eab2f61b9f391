// Package otaconfig generates the swupdate configuration that points the
// suricatta client at the OTA server.
package otaconfig

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yairfalse/faultd/internal/config"
	"github.com/yairfalse/faultd/internal/plugins"
	"github.com/yairfalse/faultd/internal/service"
)

const (
	// Name of the plugin
	Name = "swupdate"

	hawkbitPath = "/api/v0/hawkbit"
)

// Units restarted when the generated configuration changes. The socket must
// follow the service or swupdate IPC breaks.
var Units = []string{"swupdate.service", "swupdate.socket"}

var generatedTemplate = template.Must(template.New("swupdate").Funcs(template.FuncMap{
	"quote": strconv.Quote,
}).Parse(`{{- if .AddGlobals}}
globals :
{
};
{{- end}}

suricatta :
{
  url = {{quote .URL}};
  id = {{quote .ID}};
  tenant = {{quote .Tenant}};
  gatewaytoken = {{quote .GatewayToken}};
};

identify = (
  {
    name = "memfault__current_version";
    value = {{quote .SoftwareVersion}};
  },
  {
    name = "memfault__hardware_version";
    value = {{quote .HardwareVersion}};
  },
  {
    name = "memfault__software_type";
    value = {{quote .SoftwareType}};
  }
);
`))

type templateData struct {
	AddGlobals      bool
	URL             string
	ID              string
	Tenant          string
	GatewayToken    string
	SoftwareVersion string
	HardwareVersion string
	SoftwareType    string
}

// Render merges the generated suricatta and identify settings into input,
// replacing any the input already defines.
func Render(cfg *config.Config, input []byte) ([]byte, error) {
	kept, names := stripSettings(string(input), "suricatta", "identify")

	var out bytes.Buffer
	out.WriteString(strings.TrimRight(kept, "\n\t "))
	if out.Len() > 0 {
		out.WriteString("\n")
	}

	data := templateData{
		AddGlobals:      !names["globals"],
		URL:             strings.TrimRight(cfg.OTA.BaseURL, "/") + hawkbitPath,
		ID:              cfg.DeviceSerial,
		Tenant:          cfg.OTA.Tenant,
		GatewayToken:    cfg.OTA.GatewayToken,
		SoftwareVersion: cfg.SoftwareVersion,
		HardwareVersion: cfg.HardwareVersion,
		SoftwareType:    cfg.SoftwareType,
	}
	if err := generatedTemplate.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("failed to render swupdate config: %w", err)
	}
	return out.Bytes(), nil
}

// stripSettings removes the named top-level settings from a libconfig
// document. It returns the remaining text and the names of every top-level
// setting that was seen.
func stripSettings(doc string, drop ...string) (string, map[string]bool) {
	dropped := make(map[string]bool, len(drop))
	for _, name := range drop {
		dropped[name] = true
	}
	seen := map[string]bool{}

	var out strings.Builder
	i := 0
	for i < len(doc) {
		start := i
		// Leading whitespace and comments belong to the next setting
		i = skipSpaceAndComments(doc, i)
		if i >= len(doc) {
			out.WriteString(doc[start:])
			break
		}

		nameEnd := i
		for nameEnd < len(doc) && isNameChar(doc[nameEnd]) {
			nameEnd++
		}
		name := doc[i:nameEnd]
		end := settingEnd(doc, nameEnd)
		if name != "" {
			seen[name] = true
		}
		if !dropped[name] {
			out.WriteString(doc[start:end])
		}
		i = end
	}
	return out.String(), seen
}

func isNameChar(c byte) bool {
	return c == '_' || c == '-' || c == '*' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func skipSpaceAndComments(doc string, i int) int {
	for i < len(doc) {
		switch {
		case doc[i] == ' ' || doc[i] == '\t' || doc[i] == '\n' || doc[i] == '\r':
			i++
		case doc[i] == '#' || strings.HasPrefix(doc[i:], "//"):
			for i < len(doc) && doc[i] != '\n' {
				i++
			}
		case strings.HasPrefix(doc[i:], "/*"):
			end := strings.Index(doc[i+2:], "*/")
			if end < 0 {
				return len(doc)
			}
			i += end + 4
		default:
			return i
		}
	}
	return i
}

// settingEnd returns the offset just past the ';' or ',' terminating the
// setting whose value starts at or after i, honoring nesting and strings.
func settingEnd(doc string, i int) int {
	depth := 0
	for i < len(doc) {
		switch c := doc[i]; c {
		case '"':
			i++
			for i < len(doc) && doc[i] != '"' {
				if doc[i] == '\\' {
					i++
				}
				i++
			}
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			depth--
			if depth == 0 && !hasTerminator(doc, i+1) {
				return i + 1
			}
		case ';', ',':
			if depth == 0 {
				return i + 1
			}
		}
		i++
	}
	return len(doc)
}

// hasTerminator reports whether the next significant character is ';' or ','
func hasTerminator(doc string, i int) bool {
	for i < len(doc) && (doc[i] == ' ' || doc[i] == '\t') {
		i++
	}
	return i < len(doc) && (doc[i] == ';' || doc[i] == ',')
}

// Plugin keeps the swupdate configuration in sync with the daemon configuration
type Plugin struct {
	config   *config.Store
	fs       afero.Fs
	services service.Manager
	logger   *zap.Logger
}

// Init builds the plugin for the registry and generates the configuration
func Init(ctx context.Context, deps *plugins.Deps) (plugins.Plugin, error) {
	p := New(deps)
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// New creates the plugin
func New(deps *plugins.Deps) *Plugin {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{
		config:   deps.Config,
		fs:       deps.Fs,
		services: deps.Services,
		logger:   logger.Named(Name),
	}
}

// Name implements plugins.Plugin
func (p *Plugin) Name() string { return Name }

// Reload regenerates the output file and restarts swupdate when it changed
func (p *Plugin) Reload(ctx context.Context) error {
	cfg := p.config.Get()
	if !cfg.OTA.Enabled {
		p.logger.Debug("OTA disabled, leaving swupdate configuration alone")
		return nil
	}

	input, err := afero.ReadFile(p.fs, cfg.OTA.InputFile)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("Failed to read swupdate input, proceeding with defaults",
				zap.String("path", cfg.OTA.InputFile),
				zap.Error(err))
		}
		input = nil
	}

	rendered, err := Render(cfg, input)
	if err != nil {
		return err
	}

	current, err := afero.ReadFile(p.fs, cfg.OTA.OutputFile)
	if err == nil && bytes.Equal(current, rendered) {
		return nil
	}
	if err := afero.WriteFile(p.fs, cfg.OTA.OutputFile, rendered, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", cfg.OTA.OutputFile, err)
	}
	p.logger.Info("Updated swupdate configuration", zap.String("path", cfg.OTA.OutputFile))

	for _, unit := range Units {
		if err := p.services.RestartIfRunning(ctx, unit); err != nil {
			return fmt.Errorf("failed to restart %s: %w", unit, err)
		}
	}
	return nil
}
