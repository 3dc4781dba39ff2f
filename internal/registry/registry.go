package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Registry — реестр плагинов и подключений.
//
// Registry — read-only представление файла проекта. При каждом вызове
// проверяется время модификации файла; если оно изменилось, файл
// перечитывается. Текущий снимок хранится в atomic.Pointer, поэтому
// поиск не берёт эксклюзивных блокировок.
// Потокобезопасен.
type Registry struct {
	path   string
	logger *slog.Logger

	snap atomic.Pointer[snapshot]

	// reloadMu сериализует только перечитывание файла.
	reloadMu sync.Mutex

	lookPath func(file string) (string, error)
}

// snapshot — неизменяемый снимок проекта.
type snapshot struct {
	modTime time.Time
	size    int64

	plugins     []domain.Plugin
	byKey       map[pluginKey]int
	connections []domain.Connection
	schedules   []domain.Schedule
}

type pluginKey struct {
	name string
	kind domain.PluginKind
}

// Config — конфигурация Registry.
type Config struct {
	// Path — путь к файлу проекта.
	Path string

	// Logger
	Logger *slog.Logger
}

// New создаёт Registry поверх файла проекта.
// Первая загрузка файла обязана пройти успешно.
func New(cfg Config) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		path:     cfg.Path,
		logger:   logger,
		lookPath: exec.LookPath,
	}

	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("stat project file: %w", err)
	}
	if err := r.load(info); err != nil {
		return nil, err
	}

	return r, nil
}

// NewStatic создаёт Registry из уже разобранного проекта без привязки к файлу.
func NewStatic(p *config.Project) *Registry {
	r := &Registry{
		logger:   slog.Default(),
		lookPath: exec.LookPath,
	}
	r.snap.Store(newSnapshot(p, time.Time{}, 0))
	return r
}

func newSnapshot(p *config.Project, modTime time.Time, size int64) *snapshot {
	s := &snapshot{
		modTime:     modTime,
		size:        size,
		plugins:     p.DomainPlugins(),
		connections: p.DomainConnections(),
		schedules:   p.DomainSchedules(),
	}
	s.byKey = make(map[pluginKey]int, len(s.plugins))
	for i, pl := range s.plugins {
		s.byKey[pluginKey{pl.Name, pl.Kind}] = i
	}
	return s
}

// load перечитывает файл проекта и публикует новый снимок.
func (r *Registry) load(info os.FileInfo) error {
	p, err := config.LoadProject(r.path)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	r.snap.Store(newSnapshot(p, info.ModTime(), info.Size()))
	return nil
}

// current возвращает актуальный снимок, перечитывая файл при изменении.
// Ошибка перечитывания оставляет последний корректный снимок.
func (r *Registry) current() *snapshot {
	s := r.snap.Load()
	if r.path == "" {
		return s
	}

	info, err := os.Stat(r.path)
	if err != nil {
		r.logger.Warn("project file not accessible, using last snapshot",
			"path", r.path,
			"error", err,
		)
		return s
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	// Другой вызов мог уже перечитать файл
	s = r.snap.Load()
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s
	}

	if err := r.load(info); err != nil {
		r.logger.Error("failed to reload project file, using last snapshot",
			"path", r.path,
			"error", err,
		)
		return s
	}

	r.logger.Info("project file reloaded", "path", r.path)
	return r.snap.Load()
}

// installed проверяет, доступен ли исполняемый файл плагина.
func (r *Registry) installed(p domain.Plugin) bool {
	_, err := r.lookPath(p.Invocation.Executable)
	return err == nil
}

// List возвращает все объявленные плагины с отметкой Installed.
func (r *Registry) List(ctx context.Context) []domain.Plugin {
	s := r.current()
	out := make([]domain.Plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		p.Installed = r.installed(p)
		out = append(out, p)
	}
	return out
}

// ListInstalled возвращает плагины, исполняемый файл которых найден.
// Никогда не возвращает ошибку.
func (r *Registry) ListInstalled(ctx context.Context) []domain.Plugin {
	all := r.List(ctx)
	out := all[:0]
	for _, p := range all {
		if p.Installed {
			out = append(out, p)
		}
	}
	return out
}

// Resolve возвращает плагин по имени и роли.
// Возвращает ErrPluginNotFound, если плагин не объявлен.
func (r *Registry) Resolve(ctx context.Context, name string, kind domain.PluginKind) (domain.Plugin, error) {
	s := r.current()

	i, ok := s.byKey[pluginKey{name, kind}]
	if !ok {
		return domain.Plugin{}, fmt.Errorf("%w: %s %q", ErrPluginNotFound, kind, name)
	}

	p := s.plugins[i]
	p.Installed = r.installed(p)
	return p, nil
}

// ListConnections возвращает все подключения, отсортированные по имени.
func (r *Registry) ListConnections(ctx context.Context) []domain.Connection {
	s := r.current()
	out := append([]domain.Connection(nil), s.connections...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connection возвращает подключение по имени.
//
// Пустое имя означает подключение по умолчанию: отмеченное default: true,
// а если такого нет — пустое подключение без destination.
// Возвращает ErrConnectionNotFound для неизвестного имени.
func (r *Registry) Connection(ctx context.Context, name string) (domain.Connection, error) {
	s := r.current()

	for _, c := range s.connections {
		if name == "" && c.Default {
			return c, nil
		}
		if name != "" && c.Name == name {
			return c, nil
		}
	}

	if name == "" {
		return domain.Connection{}, nil
	}
	return domain.Connection{}, fmt.Errorf("%w: %q", ErrConnectionNotFound, name)
}

// Schedules возвращает расписания проекта.
func (r *Registry) Schedules(ctx context.Context) []domain.Schedule {
	s := r.current()
	return append([]domain.Schedule(nil), s.schedules...)
}
