package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Default configuration values.
const (
	defaultGracePeriod = 10 * time.Second
	defaultDrainDelay  = 2 * time.Second
	defaultLineBuffer  = 256
	maxLineSize        = 1 << 20
)

// Spec — описание запуска внешнего процесса.
type Spec struct {
	// Command — исполняемый файл.
	Command string

	// Args — аргументы командной строки.
	Args []string

	// Env — полное окружение процесса в формате KEY=VALUE.
	// Nil — окружение текущего процесса.
	Env []string

	// Dir — рабочий каталог.
	Dir string

	// Stdin — входной поток. Nil — пустой вход.
	Stdin io.Reader

	// Stdout — приёмник сырого stdout (поток записей).
	// Nil — stdout разбивается на строки и отдаётся в Output.
	Stdout io.Writer

	// Timeout — максимальная длительность. 0 — без ограничения.
	Timeout time.Duration

	// GracePeriod — пауза между SIGTERM и SIGKILL. 0 — значение Runner.
	GracePeriod time.Duration
}

// Line — строка вывода процесса.
type Line struct {
	Source domain.LogSource
	Text   string
	At     time.Time
}

// Runner запускает внешние процессы плагинов.
type Runner struct {
	gracePeriod time.Duration
	drainDelay  time.Duration
	logger      *slog.Logger
}

// Config — конфигурация Runner.
type Config struct {
	// GracePeriod — пауза между SIGTERM и SIGKILL (default: 10s).
	GracePeriod time.Duration

	// DrainDelay — сколько после выхода процесса ждать закрытия его
	// вывода. Фоновый потомок может держать pipe открытым (default: 2s).
	DrainDelay time.Duration

	// Logger
	Logger *slog.Logger
}

// NewRunner создаёт новый Runner.
func NewRunner(cfg Config) *Runner {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	drain := cfg.DrainDelay
	if drain <= 0 {
		drain = defaultDrainDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		gracePeriod: grace,
		drainDelay:  drain,
		logger:      logger,
	}
}

// Handle — запущенный процесс.
//
// Output обязательно нужно вычитывать до закрытия: иначе процесс
// блокируется на записи в pipe.
type Handle struct {
	lines chan Line
	done  chan struct{}

	cancelOnce sync.Once
	cancelCh   chan struct{}

	startedAt time.Time
	pid       int

	// outcome записывается до закрытия done.
	outcome domain.ExitOutcome
}

// Output возвращает поток строк вывода.
// Канал закрывается после завершения процесса и вычитывания pipes.
func (h *Handle) Output() <-chan Line {
	return h.lines
}

// Done закрывается, когда итог процесса известен.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait блокируется до завершения процесса и возвращает итог.
func (h *Handle) Wait() domain.ExitOutcome {
	<-h.done
	return h.outcome
}

// Cancel запрашивает остановку процесса.
// Повторные вызовы ничего не делают.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

// Pid возвращает PID процесса (0, если процесс не запущен).
func (h *Handle) Pid() int {
	return h.pid
}

// StartedAt возвращает время запуска.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

func newHandle() *Handle {
	return &Handle{
		lines:     make(chan Line, defaultLineBuffer),
		done:      make(chan struct{}),
		cancelCh:  make(chan struct{}),
		startedAt: time.Now(),
	}
}

// finished возвращает уже завершённый handle.
func finished(outcome domain.ExitOutcome) *Handle {
	h := newHandle()
	h.outcome = outcome
	close(h.lines)
	close(h.done)
	return h
}

// Execute запускает процесс и возвращает handle.
//
// Ошибка запуска не возвращается отдельно: handle сразу завершён
// с итогом LAUNCH_FAILED. Отмена ctx эквивалентна Handle.Cancel.
func (r *Runner) Execute(ctx context.Context, spec Spec) *Handle {
	if spec.Command == "" {
		return finished(domain.ExitOutcome{Kind: domain.OutcomeLaunchFailed, Reason: "empty command"})
	}
	if ctx.Err() != nil {
		return finished(domain.ExitOutcome{Kind: domain.OutcomeCancelled, Reason: "cancelled before start"})
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin
	configureProcess(cmd)

	h := newHandle()
	var readers sync.WaitGroup

	// Свои pipes вместо cmd.StderrPipe: cmd.Wait возвращается по выходу
	// процесса, а не по закрытию вывода всеми его потомками.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		return finished(domain.ExitOutcome{Kind: domain.OutcomeLaunchFailed, Reason: err.Error()})
	}
	cmd.Stderr = stderrW
	pipes, writers := []*os.File{stderr}, []*os.File{stderrW}

	var stdout *os.File
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		var stdoutW *os.File
		stdout, stdoutW, err = os.Pipe()
		if err != nil {
			closeFiles(pipes...)
			closeFiles(writers...)
			return finished(domain.ExitOutcome{Kind: domain.OutcomeLaunchFailed, Reason: err.Error()})
		}
		cmd.Stdout = stdoutW
		pipes, writers = append(pipes, stdout), append(writers, stdoutW)
	}

	// копирование в не-файловый spec.Stdout тоже ограничено после выхода
	cmd.WaitDelay = r.drainDelay

	if err := cmd.Start(); err != nil {
		closeFiles(pipes...)
		closeFiles(writers...)
		r.logger.Debug("process launch failed",
			"command", spec.Command,
			"error", err,
		)
		return finished(domain.ExitOutcome{Kind: domain.OutcomeLaunchFailed, Reason: err.Error()})
	}
	// концы записи остались у процесса
	closeFiles(writers...)
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()

	readers.Add(1)
	go h.readLines(stderr, domain.LogSourceStderr, &readers)
	if stdout != nil {
		readers.Add(1)
		go h.readLines(stdout, domain.LogSourceStdout, &readers)
	}

	grace := spec.GracePeriod
	if grace <= 0 {
		grace = r.gracePeriod
	}

	go r.supervise(ctx, h, cmd, spec.Timeout, grace, pipes, &readers)

	return h
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// readLines разбивает поток на строки и отправляет их в handle.
// Слишком длинная строка обрезается, остаток потока вычитывается.
func (h *Handle) readLines(rd io.Reader, source domain.LogSource, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		h.lines <- Line{Source: source, Text: scanner.Text(), At: time.Now()}
	}

	if err := scanner.Err(); err != nil {
		h.lines <- Line{Source: domain.LogSourceSystem, Text: "output truncated: " + err.Error(), At: time.Now()}
		_, _ = io.Copy(io.Discard, rd)
	}
}

// supervise ждёт завершения процесса, таймаута или отмены.
func (r *Runner) supervise(ctx context.Context, h *Handle, cmd *exec.Cmd, timeout, grace time.Duration, pipes []*os.File, readers *sync.WaitGroup) {
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var outcome domain.ExitOutcome

	select {
	case err := <-exited:
		outcome = classify(cmd, err)

	case <-timeoutC:
		r.stop(cmd, grace, exited)
		outcome = domain.ExitOutcome{Kind: domain.OutcomeTimedOut, Reason: timeout.String()}

	case <-h.cancelCh:
		r.stop(cmd, grace, exited)
		outcome = domain.ExitOutcome{Kind: domain.OutcomeCancelled}

	case <-ctx.Done():
		r.stop(cmd, grace, exited)
		outcome = domain.ExitOutcome{Kind: domain.OutcomeCancelled, Reason: ctx.Err().Error()}
	}

	r.drain(cmd, pipes, readers)

	h.outcome = outcome
	close(h.lines)
	close(h.done)
}

// drain дочитывает вывод вышедшего процесса.
//
// Если pipes не закрылись за drainDelay, их держит фоновый потомок;
// тогда pipes закрываются принудительно, а непрочитанный остаток теряется.
func (r *Runner) drain(cmd *exec.Cmd, pipes []*os.File, readers *sync.WaitGroup) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(r.drainDelay)
	defer timer.Stop()

	select {
	case <-drained:
		closeFiles(pipes...)
		return
	case <-timer.C:
	}

	r.logger.Warn("process output still open after exit, closing pipes",
		"pid", cmd.Process.Pid,
		"drain_delay", r.drainDelay,
	)
	closeFiles(pipes...)
	<-drained
}

// stop останавливает группу процессов: SIGTERM, ожидание grace, SIGKILL.
// Возвращается только после фактического завершения процесса.
func (r *Runner) stop(cmd *exec.Cmd, grace time.Duration, exited <-chan error) {
	interruptProcess(cmd)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return
	case <-timer.C:
	}

	r.logger.Warn("process did not exit within grace period, killing",
		"pid", cmd.Process.Pid,
		"grace_period", grace,
	)
	killProcess(cmd)
	<-exited
}

// classify переводит результат cmd.Wait в ExitOutcome.
func classify(cmd *exec.Cmd, err error) domain.ExitOutcome {
	if err == nil {
		return domain.ExitOutcome{Kind: domain.OutcomeSuccess}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if sig, ok := exitSignal(exitErr.ProcessState); ok {
			return domain.ExitOutcome{Kind: domain.OutcomeSignalTerminated, Signal: sig}
		}
		return domain.ExitOutcome{Kind: domain.OutcomeNonZeroExit, Code: exitErr.ExitCode()}
	}

	// Процесс завершился, но копирование stdin/stdout упало
	code := -1
	if cmd.ProcessState != nil && cmd.ProcessState.Success() {
		code = 0
	}
	return domain.ExitOutcome{Kind: domain.OutcomeNonZeroExit, Code: code, Reason: err.Error()}
}
