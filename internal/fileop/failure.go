package fileop

import (
	"errors"
	"fmt"
)

// ErrOperationNotFound - для pnfsid нет зарегистрированной операции.
var ErrOperationNotFound = errors.New("операция над файлом не найдена")

// FailureAction - реакция карты на ошибку задачи.
type FailureAction string

const (
	// FailureBroken - реплика на источнике повреждена; нужен другой источник
	FailureBroken FailureAction = "BROKEN"
	// FailureNewSource - повторить с другим источником
	FailureNewSource FailureAction = "NEWSOURCE"
	// FailureNewTarget - повторить с другой целью
	FailureNewTarget FailureAction = "NEWTARGET"
	// FailureRetriable - повторить с теми же пулами
	FailureRetriable FailureAction = "RETRIABLE"
	// FailureFatal - повтор бессмыслен
	FailureFatal FailureAction = "FATAL"
)

// TaskError - ошибка задачи с уже определённой реакцией.
type TaskError struct {
	Action FailureAction
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Failure оборачивает ошибку задачи с указанной реакцией.
func Failure(action FailureAction, err error) error {
	return &TaskError{Action: action, Err: err}
}

// Classify определяет реакцию на ошибку. Неклассифицированные ошибки
// считаются повторяемыми. BROKEN без известного источника равносилен
// NEWTARGET.
func Classify(err error, hasSource bool) FailureAction {
	var te *TaskError
	if !errors.As(err, &te) {
		return FailureRetriable
	}
	switch te.Action {
	case FailureBroken, FailureNewSource:
		if !hasSource {
			return FailureNewTarget
		}
	}
	return te.Action
}
