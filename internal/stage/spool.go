package stage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Spool — поток записей extractor'а, сохранённый в файл job.
//
// Extractor пишет в Spool, loader читает из него после успешного
// завершения extract. Поэтому loader никогда не запускается, если
// extract упал. Spool считает записи (строки) и байты при записи.
type Spool struct {
	path string

	mu      sync.Mutex
	f       *os.File
	partial bool // последняя запись не закончилась переводом строки

	records atomic.Int64
	bytes   atomic.Int64
}

// CreateSpool создаёт файл потока для job в каталоге dir.
func CreateSpool(dir string, jobID uuid.UUID) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("job-%s-*.jsonl", jobID))
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &Spool{path: f.Name(), f: f}, nil
}

// Write записывает часть потока.
func (s *Spool) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return 0, os.ErrClosed
	}

	n, err := s.f.Write(p)
	if n > 0 {
		written := p[:n]
		s.bytes.Add(int64(n))
		s.records.Add(int64(bytes.Count(written, []byte{'\n'})))
		s.partial = written[len(written)-1] != '\n'
	}
	return n, err
}

// Close закрывает запись. Незавершённая последняя строка считается записью.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	if s.partial {
		s.records.Add(1)
		s.partial = false
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Open открывает поток на чтение.
func (s *Spool) Open() (*os.File, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	return f, nil
}

// Remove закрывает и удаляет файл потока.
func (s *Spool) Remove() error {
	_ = s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool: %w", err)
	}
	return nil
}

// Path возвращает путь к файлу.
func (s *Spool) Path() string { return s.path }

// Name возвращает имя файла без каталога.
func (s *Spool) Name() string { return filepath.Base(s.path) }

// Records возвращает количество записанных записей.
func (s *Spool) Records() int64 { return s.records.Load() }

// Bytes возвращает количество записанных байт.
func (s *Spool) Bytes() int64 { return s.bytes.Load() }
