package service

import (
	"errors"

	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolclient"
	"github.com/arturkryukov/artstore/resilience-module/internal/selector"
)

// classifyFailure оборачивает ошибку задачи в fileop.TaskError
// с действием, которое выполнит постобработка. Ошибки копирования
// (migration.ErrCopyFailed, ErrCopyTimeout) и сетевые сбои повторяемы.
func classifyFailure(err error) error {
	var taskErr *fileop.TaskError
	if errors.As(err, &taskErr) {
		return err
	}
	return fileop.Failure(failureAction(err), err)
}

func failureAction(err error) fileop.FailureAction {
	switch {
	case errors.Is(err, poolclient.ErrReplicaBroken):
		return fileop.FailureBroken
	case errors.Is(err, poolclient.ErrReplicaNotFound):
		return fileop.FailureNewSource
	case errors.Is(err, poolclient.ErrPoolUnavailable):
		return fileop.FailureNewTarget
	case errors.Is(err, selector.ErrNoCandidate),
		errors.Is(err, ErrFileNotFound),
		errors.Is(err, ErrInaccessible),
		errors.Is(err, ErrNoLocations):
		return fileop.FailureFatal
	default:
		return fileop.FailureRetriable
	}
}
