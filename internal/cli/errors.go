package cli

import "errors"

var (
	// ErrNoBroker — RABBITMQ_URL не задан, а команда требует брокер.
	ErrNoBroker = errors.New("RABBITMQ_URL is not set")

	// ErrJobUnsuccessful — job завершился не в SUCCEEDED.
	ErrJobUnsuccessful = errors.New("job did not succeed")
)
