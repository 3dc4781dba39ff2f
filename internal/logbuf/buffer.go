package logbuf

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// defaultMaxLines — сколько строк буфер держит в памяти.
const defaultMaxLines = 10000

// Buffer — append-only буфер строк лога одного job.
//
// Один писатель (машина состояний pipeline), любое число читателей.
// Каждый читатель держит свой курсор (seq следующей строки), поэтому
// все наблюдатели видят одинаковый вывод в одинаковом порядке без
// повторного захвата вывода процесса.
//
// При каждом Append канал notify закрывается и заменяется новым:
// так ожидающие читатели просыпаются без отдельной горутины на читателя.
type Buffer struct {
	mu sync.RWMutex

	// base — seq первой строки в lines.
	base  int64
	lines []domain.LogLine
	max   int

	notify chan struct{}
	closed bool
}

// New создаёт буфер, хранящий не более maxLines последних строк.
// maxLines <= 0 — значение по умолчанию.
func New(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Buffer{
		max:    maxLines,
		notify: make(chan struct{}),
	}
}

// Append добавляет строку и возвращает её с присвоенным seq.
// Текст приводится к валидному UTF-8 без NUL: в таком виде строку
// принимает любое хранилище. После Close строки игнорируются.
func (b *Buffer) Append(stage domain.StageKind, source domain.LogSource, text string, at time.Time) (domain.LogLine, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domain.LogLine{}, false
	}

	line := domain.LogLine{
		Seq:    b.base + int64(len(b.lines)),
		At:     at,
		Stage:  stage,
		Source: source,
		Text:   cleanText(text),
	}
	b.lines = append(b.lines, line)

	if over := len(b.lines) - b.max; over > 0 {
		// копируем, чтобы не держать старый массив
		b.lines = append([]domain.LogLine(nil), b.lines[over:]...)
		b.base += int64(over)
	}

	close(b.notify)
	b.notify = make(chan struct{})

	return line, true
}

// cleanText заменяет невалидные байты на U+FFFD и удаляет NUL.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return s
}

// Close помечает буфер завершённым: читатели дочитывают и выходят.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Closed возвращает true после Close.
func (b *Buffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Next возвращает seq, который получит следующая строка.
func (b *Buffer) Next() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.base + int64(len(b.lines))
}

// Snapshot возвращает копию всех хранимых строк.
func (b *Buffer) Snapshot() []domain.LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]domain.LogLine(nil), b.lines...)
}

// Range возвращает хранимые строки с seq в [from, to).
func (b *Buffer) Range(from, to int64) []domain.LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lo, hi := b.index(from), b.index(to)
	if lo >= hi {
		return nil
	}
	return append([]domain.LogLine(nil), b.lines[lo:hi]...)
}

// Tail возвращает текст последних n строк из диапазона [from, to).
func (b *Buffer) Tail(from, to int64, n int) []string {
	lines := b.Range(from, to)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

// index переводит seq в индекс lines с обрезкой по границам.
func (b *Buffer) index(seq int64) int {
	i := seq - b.base
	if i < 0 {
		return 0
	}
	if i > int64(len(b.lines)) {
		return len(b.lines)
	}
	return int(i)
}

// Follow возвращает последовательность строк начиная с seq from.
//
// Последовательность следует за буфером, пока он не закрыт, затем
// завершается. Строки, вытесненные из памяти, пропускаются.
// Отмена ctx завершает последовательность.
func (b *Buffer) Follow(ctx context.Context, from int64) iter.Seq[domain.LogLine] {
	return func(yield func(domain.LogLine) bool) {
		cursor := from
		for {
			b.mu.RLock()
			if cursor < b.base {
				cursor = b.base
			}
			batch := append([]domain.LogLine(nil), b.lines[b.index(cursor):]...)
			wait := b.notify
			closed := b.closed
			b.mu.RUnlock()

			for _, line := range batch {
				if !yield(line) {
					return
				}
				cursor = line.Seq + 1
			}

			if len(batch) > 0 {
				continue
			}
			if closed {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}
}
