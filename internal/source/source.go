// Package source fetches UCI configuration text from a device or a
// directory of exports.
package source

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
)

// All requests every package in one export.
const All = "ALL"

// Exporter returns UCI export text. Export(ctx, All) returns every package;
// otherwise only the named one. A package that does not exist yields "".
type Exporter interface {
	Export(ctx context.Context, module string) (string, error)
}

// validModule guards names that end up in a remote shell command.
var validModule = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// ValidateModule rejects names that are not plain UCI package names.
func ValidateModule(module string) error {
	if module == All || validModule.MatchString(module) {
		return nil
	}
	return agenterrors.ValidationError(fmt.Sprintf("invalid UCI package name %q", module), nil)
}

var uciCommand = regexp.MustCompile(
	`(?m)\buci\s+(?:-[a-zA-Z]+\s+)*(?:add_list|del_list|add|set|delete|get|rename|reorder|revert|commit)\s+'?([A-Za-z0-9_-]+)`)

// ModifiedPackages returns the UCI packages a shell script touches, in order
// of first appearance.
func ModifiedPackages(script string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, m := range uciCommand.FindAllStringSubmatch(script, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	if len(out) == 0 {
		return nil, agenterrors.New(agenterrors.ErrCodeNoModules, "script does not modify any UCI package", nil)
	}
	return out, nil
}

// FromConfig builds the Exporter described by cfg.
func FromConfig(cfg config.SourceConfig) (Exporter, error) {
	switch strings.ToLower(cfg.Kind) {
	case "dir":
		return NewDirExporter(cfg.Dir), nil
	case "ssh", "":
		var password string
		if cfg.PasswordEnv != "" {
			password = os.Getenv(cfg.PasswordEnv)
		}
		return NewSSHExporter(SSHConfig{
			Host:                  cfg.Host,
			Port:                  cfg.Port,
			User:                  cfg.User,
			KeyFile:               config.ExpandHome(cfg.KeyFile),
			Password:              password,
			KnownHosts:            config.ExpandHome(cfg.KnownHosts),
			InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
			Timeout:               config.Duration(cfg.Timeout, DefaultTimeout),
		})
	default:
		return nil, agenterrors.ConfigError(fmt.Sprintf("unknown source kind %q", cfg.Kind), nil)
	}
}
