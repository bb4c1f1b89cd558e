package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
)

var (
	ErrStoreClosed         = errors.New("store closed")
	ErrStoreTypeUnknown    = errors.New("store type unknown")
	ErrStoreConnectFailed  = errors.New("store connection failed")
	ErrEntryDecodeFailed   = errors.New("entry decode failed")
	ErrResourceIDEmpty     = errors.New("resource id empty")
	ErrCleanupPremature    = errors.New("cleanup found unexpired entries past their expiry")
	ErrShutdownTimeout     = errors.New("shutdown timeout")
	ErrSweepNotSupported   = errors.New("store does not support sweeping")
	ErrCleanupNotSupported = errors.New("store does not support cleanup")
	ErrSchedulerClosed     = errors.New("scheduler closed")
	ErrUnexpectedReplyType = errors.New("unexpected reply type")
)

var (
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobTimeout        = errors.New("cron job timeout")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsNotRunning  = errors.New("metrics not running")
	ErrMetricsIsDisabled  = errors.New("metrics is disabled")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotSupported     = errors.New("not supported")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
