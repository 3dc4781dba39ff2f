package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Conveyor/internal/mq"
)

// HandleRunRequested — mq.Handler для очереди runs.requested.
//
// Ожидаемые отказы (занятый pipeline, неизвестный плагин, неверный
// запрос) подтверждаются: повтор их не исправит, вызывающий видит
// отказ в логе и метриках. Ошибки хранилища возвращают сообщение в очередь.
func (m *Manager) HandleRunRequested(ctx context.Context, d *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunRequestedPayload](&d.Message)
	if err != nil {
		return fmt.Errorf("%w: %w", mq.ErrReject, err)
	}

	req := RunRequest{
		Extractor:   payload.Extractor,
		Loader:      payload.Loader,
		Transformer: payload.Transformer,
		Connection:  payload.Connection,
	}

	id, err := m.SubmitRun(ctx, req)
	switch {
	case err == nil:
		m.logger.Info("queued run admitted",
			"message_id", d.Message.ID,
			"job_id", id,
		)
		return nil
	case IsRejection(err):
		m.logger.Warn("queued run rejected",
			"message_id", d.Message.ID,
			"error", err,
		)
		return nil
	default:
		return err
	}
}

// IsRejection возвращает true для ожидаемых отказов в допуске запуска.
func IsRejection(err error) bool {
	return errors.Is(err, ErrPipelineBusy) ||
		errors.Is(err, ErrPluginNotFound) ||
		errors.Is(err, ErrConnectionNotFound) ||
		errors.Is(err, ErrInvalidRequest)
}
