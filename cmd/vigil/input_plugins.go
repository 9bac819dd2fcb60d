package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tinytelemetry/vigil/internal/logsource"
	"github.com/tinytelemetry/vigil/internal/tcpserver"
)

// NamedLogSource aliases the shared source abstraction to keep app-layer APIs explicit.
type NamedLogSource = logsource.LogSource

// InputSourcePlugin is a small plugin primitive for wiring log inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (NamedLogSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled     bool
	TCPAddr        string
	MaxConnections int
	MaxLineSize    int
	Files          []string
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	plugins := make([]InputSourcePlugin, 0, 2+len(cfg.Files))
	plugins = append(plugins, tcpInputPlugin{
		addr:    cfg.TCPAddr,
		enabled: cfg.TCPEnabled,
		conf: tcpserver.ServerConfig{
			MaxConnections: cfg.MaxConnections,
			MaxLineSize:    cfg.MaxLineSize,
		},
	})
	for _, path := range cfg.Files {
		plugins = append(plugins, fileInputPlugin{path: path, maxLineSize: cfg.MaxLineSize})
	}
	plugins = append(plugins, stdinInputPlugin{maxLineSize: cfg.MaxLineSize})
	return plugins
}

// buildSources builds every enabled plugin. A plugin that fails to build is
// logged and skipped.
func buildSources(ctx context.Context, plugins []InputSourcePlugin, logf func(string, ...any)) []NamedLogSource {
	sources := make([]NamedLogSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			logf("input: plugin %q: %v", plugin.Name(), err)
			continue
		}
		sources = append(sources, src)
	}
	return sources
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
	conf    tcpserver.ServerConfig
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (NamedLogSource, error) {
	server := tcpserver.NewServer(p.addr, p.conf)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return logsource.NewTCPSource(server), nil
}

type fileInputPlugin struct {
	path        string
	maxLineSize int
}

func (p fileInputPlugin) Name() string { return "file:" + p.path }

func (p fileInputPlugin) Enabled() bool { return p.path != "" }

func (p fileInputPlugin) Build(ctx context.Context) (NamedLogSource, error) {
	src, err := logsource.OpenFileSource(ctx, p.path, logsource.StdinConfig{MaxLineSize: p.maxLineSize})
	if err != nil {
		return nil, err
	}
	return src, nil
}

type stdinInputPlugin struct {
	maxLineSize int
}

func (p stdinInputPlugin) Name() string { return "stdin" }

func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (NamedLogSource, error) {
	return logsource.NewStdinSource(ctx, logsource.StdinConfig{MaxLineSize: p.maxLineSize}), nil
}
