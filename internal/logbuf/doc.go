// Package logbuf реализует fan-out вывода плагинов для наблюдателей job.
package logbuf
