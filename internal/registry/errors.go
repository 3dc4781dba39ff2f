package registry

import "errors"

// Ошибки реестра.
var (
	// ErrPluginNotFound — плагин с таким именем и ролью не объявлен.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrConnectionNotFound — подключение с таким именем не объявлено.
	ErrConnectionNotFound = errors.New("connection not found")
)
