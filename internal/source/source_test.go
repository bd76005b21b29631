package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RosMarinas/OpenWRT-AutoConfigure/internal/config"
	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
)

func TestModifiedPackages(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name: "set and commit",
			script: `#!/bin/sh
uci set wireless.default_radio0.ssid='Home'
uci set wireless.default_radio0.key='s3cr3t.pass'
uci commit wireless
wifi reload`,
			want: []string{"wireless"},
		},
		{
			name: "add, delete with flags, add_list",
			script: `uci add firewall rule
uci -q delete network.wan6
uci add_list dhcp.lan.dhcp_option='6,1.1.1.1'`,
			want: []string{"firewall", "network", "dhcp"},
		},
		{
			name:   "get counts too",
			script: "IP=$(uci get network.lan.ipaddr)",
			want:   []string{"network"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ModifiedPackages(tt.script)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestModifiedPackages_NoneFound(t *testing.T) {
	_, err := ModifiedPackages("echo hello\nreboot\n")
	require.Error(t, err)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeNoModules))
}

func TestValidateModule(t *testing.T) {
	assert.NoError(t, ValidateModule("network"))
	assert.NoError(t, ValidateModule("luci.main"))
	assert.NoError(t, ValidateModule(All))
	assert.Error(t, ValidateModule("network; reboot"))
	assert.Error(t, ValidateModule(""))
	assert.Error(t, ValidateModule("../etc/passwd"))
}

func writeExports(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestDirExporter_SingleAndAll(t *testing.T) {
	// Given: two package exports, one without its package line
	dir := writeExports(t, map[string]string{
		"network":  "package network\n\nconfig interface 'lan'\n\toption proto 'static'\n",
		"wireless": "config wifi-device 'radio0'\r\n\toption channel '6'\r\n",
		".hidden":  "ignored",
	})
	e := NewDirExporter(dir)

	// When: exporting one and all
	network, err := e.Export(context.Background(), "network")
	require.NoError(t, err)
	wireless, err := e.Export(context.Background(), "wireless")
	require.NoError(t, err)
	all, err := e.Export(context.Background(), All)
	require.NoError(t, err)

	// Then: content is normalized and concatenated in name order
	assert.Equal(t, "package network\n\nconfig interface 'lan'\n\toption proto 'static'\n", network)
	assert.Equal(t, "package wireless\n\nconfig wifi-device 'radio0'\n\toption channel '6'\n", wireless)
	assert.Equal(t, network+wireless, all)

	modules, err := e.Modules()
	require.NoError(t, err)
	assert.Equal(t, []string{"network", "wireless"}, modules)
}

func TestDirExporter_MissingPackageIsEmpty(t *testing.T) {
	e := NewDirExporter(writeExports(t, map[string]string{"blank": "  \n"}))

	out, err := e.Export(context.Background(), "dropbear")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = e.Export(context.Background(), "blank")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDirExporter_MissingDirectory(t *testing.T) {
	e := NewDirExporter(filepath.Join(t.TempDir(), "nope"))

	_, err := e.Export(context.Background(), All)
	require.Error(t, err)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeSourceUnavailable))
}

func TestFromConfig(t *testing.T) {
	cfg := config.NewConfig().Source
	cfg.Kind = "dir"
	cfg.Dir = t.TempDir()

	e, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, &DirExporter{}, e)

	cfg.Kind = "telnet"
	_, err = FromConfig(cfg)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeConfigInvalid))
}
