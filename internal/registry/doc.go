// Package registry разрешает имена плагинов в дескрипторы запуска.
//
// Registry ничего не устанавливает и не изменяет: это read-only
// представление файла проекта, которое отражает состояние на диске
// в момент вызова.
package registry
