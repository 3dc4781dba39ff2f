package domain

import (
	"fmt"
	"time"
)

// PluginKind — роль плагина в pipeline.
type PluginKind string

const (
	// PluginExtractor читает данные из источника и выдаёт поток записей.
	PluginExtractor PluginKind = "extractor"

	// PluginLoader записывает поток записей в целевую Connection.
	PluginLoader PluginKind = "loader"

	// PluginTransformer выполняет пост-обработку в целевой Connection.
	PluginTransformer PluginKind = "transformer"
)

// Valid проверяет, что тип плагина известен.
func (k PluginKind) Valid() bool {
	switch k {
	case PluginExtractor, PluginLoader, PluginTransformer:
		return true
	default:
		return false
	}
}

// ParsePluginKind парсит строку в PluginKind.
func ParsePluginKind(s string) (PluginKind, error) {
	k := PluginKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown plugin kind %q", s)
	}
	return k, nil
}

// Plugin — зарегистрированный плагин.
//
// Plugin неизменяем после регистрации. Единственный владелец — Registry;
// поиск выполняется по паре (Name, Kind).
type Plugin struct {
	// Name — имя плагина (например, "tap-csv", "target-postgres").
	Name string `json:"name"`

	// Kind — роль плагина.
	Kind PluginKind `json:"kind"`

	// Invocation — описание запуска внешнего процесса.
	Invocation Invocation `json:"invocation"`

	// Installed — исполняемый файл найден на диске в момент запроса.
	Installed bool `json:"installed"`
}

// Invocation — дескриптор запуска плагина.
type Invocation struct {
	// Executable — путь к исполняемому файлу или имя в PATH.
	Executable string `json:"executable"`

	// Args — аргументы командной строки.
	// Поддерживается подстановка $VAR и ${VAR} из окружения стадии.
	Args []string `json:"args,omitempty"`

	// Env — дополнительные переменные окружения.
	Env map[string]string `json:"env,omitempty"`

	// Config — конфигурация плагина.
	// Записывается в JSON-файл, путь передаётся в CONVEYOR_PLUGIN_CONFIG.
	Config map[string]any `json:"config,omitempty"`

	// Capabilities — заявленные возможности (catalog, state, discover...).
	Capabilities []string `json:"capabilities,omitempty"`

	// Timeout — максимальная длительность запуска. 0 — значение по умолчанию.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// HasCapability проверяет, заявлена ли возможность.
func (i Invocation) HasCapability(name string) bool {
	for _, c := range i.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Connection — именованная целевая конфигурация для loader/transformer.
//
// Destination непрозрачен для движка и передаётся плагину как есть.
type Connection struct {
	// Name — имя подключения (например, "prod").
	Name string `json:"name"`

	// Default — подключение используется, когда имя не указано.
	Default bool `json:"default,omitempty"`

	// Destination — описание цели (host, database, schema...).
	Destination map[string]any `json:"destination,omitempty"`
}

// IsZero возвращает true для пустого подключения.
func (c Connection) IsZero() bool {
	return c.Name == "" && len(c.Destination) == 0
}
