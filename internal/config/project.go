package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Project — содержимое файла проекта (conveyor.yml).
//
// Пример:
//
//	plugins:
//	  extractors:
//	    - name: tap-csv
//	      executable: tap-csv
//	      args: ["--config", "$CONVEYOR_PLUGIN_CONFIG"]
//	      config: {files: [{entity: users, path: users.csv}]}
//	  loaders:
//	    - name: target-postgres
//	      executable: target-postgres
//	      timeout: 30m
//	connections:
//	  - name: prod
//	    default: true
//	    destination: {host: db.internal, database: analytics}
//	schedules:
//	  - name: nightly
//	    extractor: tap-csv
//	    loader: target-postgres
//	    connection: prod
//	    cron: "0 2 * * *"
type Project struct {
	Plugins     PluginsSection     `yaml:"plugins"`
	Connections []ConnectionConfig `yaml:"connections"`
	Schedules   []ScheduleConfig   `yaml:"schedules"`
}

// PluginsSection — плагины, сгруппированные по роли.
type PluginsSection struct {
	Extractors   []PluginConfig `yaml:"extractors"`
	Loaders      []PluginConfig `yaml:"loaders"`
	Transformers []PluginConfig `yaml:"transformers"`
}

// PluginConfig — описание одного плагина.
type PluginConfig struct {
	Name         string            `yaml:"name"`
	Executable   string            `yaml:"executable"`
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	Config       map[string]any    `yaml:"config"`
	Capabilities []string          `yaml:"capabilities"`
	Timeout      string            `yaml:"timeout"`
}

// ConnectionConfig — описание подключения.
type ConnectionConfig struct {
	Name        string         `yaml:"name"`
	Default     bool           `yaml:"default"`
	Destination map[string]any `yaml:"destination"`
}

// ScheduleConfig — описание расписания.
type ScheduleConfig struct {
	Name        string `yaml:"name"`
	Extractor   string `yaml:"extractor"`
	Loader      string `yaml:"loader"`
	Transformer string `yaml:"transformer"`
	Connection  string `yaml:"connection"`
	Cron        string `yaml:"cron"`
	IntervalSec int    `yaml:"interval_sec"`
	Timezone    string `yaml:"timezone"`
	Enabled     *bool  `yaml:"enabled"`
}

// LoadProject читает и валидирует файл проекта.
func LoadProject(path string) (*Project, error) {
	if path == "" {
		return nil, errors.New("project path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	return ParseProject(raw)
}

// ParseProject разбирает и валидирует YAML файла проекта.
func ParseProject(raw []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate проверяет внутреннюю согласованность проекта.
func (p *Project) Validate() error {
	groups := []struct {
		kind    domain.PluginKind
		plugins []PluginConfig
	}{
		{domain.PluginExtractor, p.Plugins.Extractors},
		{domain.PluginLoader, p.Plugins.Loaders},
		{domain.PluginTransformer, p.Plugins.Transformers},
	}

	for _, g := range groups {
		seen := make(map[string]bool, len(g.plugins))
		for _, pc := range g.plugins {
			if pc.Name == "" {
				return fmt.Errorf("%w: %s name cannot be empty", ErrInvalidProject, g.kind)
			}
			if seen[pc.Name] {
				return fmt.Errorf("%w: duplicate %s %q", ErrInvalidProject, g.kind, pc.Name)
			}
			seen[pc.Name] = true
			if pc.Executable == "" {
				return fmt.Errorf("%w: %s %q executable cannot be empty", ErrInvalidProject, g.kind, pc.Name)
			}
			if _, err := pc.timeout(); err != nil {
				return fmt.Errorf("%w: %s %q: %v", ErrInvalidProject, g.kind, pc.Name, err)
			}
		}
	}

	seen := make(map[string]bool, len(p.Connections))
	defaults := 0
	for _, c := range p.Connections {
		if c.Name == "" {
			return fmt.Errorf("%w: connection name cannot be empty", ErrInvalidProject)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate connection %q", ErrInvalidProject, c.Name)
		}
		seen[c.Name] = true
		if c.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("%w: more than one default connection", ErrInvalidProject)
	}

	names := make(map[string]bool, len(p.Schedules))
	for _, s := range p.Schedules {
		if s.Name == "" {
			return fmt.Errorf("%w: schedule name cannot be empty", ErrInvalidProject)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: duplicate schedule %q", ErrInvalidProject, s.Name)
		}
		names[s.Name] = true
		if s.Extractor == "" || s.Loader == "" {
			return fmt.Errorf("%w: schedule %q requires extractor and loader", ErrInvalidProject, s.Name)
		}
		if s.Cron == "" && s.IntervalSec <= 0 {
			return fmt.Errorf("%w: schedule %q requires cron or interval_sec", ErrInvalidProject, s.Name)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("%w: schedule %q: %v", ErrInvalidProject, s.Name, err)
			}
		}
	}

	return nil
}

func (pc PluginConfig) timeout() (time.Duration, error) {
	if pc.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(pc.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", pc.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", pc.Timeout)
	}
	return d, nil
}

// Plugin преобразует описание в domain.Plugin.
// Installed заполняет Registry.
func (pc PluginConfig) Plugin(kind domain.PluginKind) domain.Plugin {
	timeout, _ := pc.timeout()
	return domain.Plugin{
		Name: pc.Name,
		Kind: kind,
		Invocation: domain.Invocation{
			Executable:   pc.Executable,
			Args:         append([]string(nil), pc.Args...),
			Env:          pc.Env,
			Config:       pc.Config,
			Capabilities: append([]string(nil), pc.Capabilities...),
			Timeout:      timeout,
		},
	}
}

// DomainPlugins возвращает все плагины проекта в порядке объявления.
func (p *Project) DomainPlugins() []domain.Plugin {
	out := make([]domain.Plugin, 0,
		len(p.Plugins.Extractors)+len(p.Plugins.Loaders)+len(p.Plugins.Transformers))
	for _, pc := range p.Plugins.Extractors {
		out = append(out, pc.Plugin(domain.PluginExtractor))
	}
	for _, pc := range p.Plugins.Loaders {
		out = append(out, pc.Plugin(domain.PluginLoader))
	}
	for _, pc := range p.Plugins.Transformers {
		out = append(out, pc.Plugin(domain.PluginTransformer))
	}
	return out
}

// DomainConnections возвращает подключения проекта.
func (p *Project) DomainConnections() []domain.Connection {
	out := make([]domain.Connection, 0, len(p.Connections))
	for _, c := range p.Connections {
		out = append(out, domain.Connection{
			Name:        c.Name,
			Default:     c.Default,
			Destination: c.Destination,
		})
	}
	return out
}

// DomainSchedules возвращает расписания проекта.
// Расписания без явного enabled считаются включёнными.
func (p *Project) DomainSchedules() []domain.Schedule {
	out := make([]domain.Schedule, 0, len(p.Schedules))
	for _, s := range p.Schedules {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		tz := s.Timezone
		if tz == "" {
			tz = "UTC"
		}
		out = append(out, domain.Schedule{
			Name:        s.Name,
			Extractor:   s.Extractor,
			Loader:      s.Loader,
			Transformer: s.Transformer,
			Connection:  s.Connection,
			CronExpr:    s.Cron,
			IntervalSec: s.IntervalSec,
			Timezone:    tz,
			Enabled:     enabled,
		})
	}
	return out
}
