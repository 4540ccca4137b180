package model

import "fmt"

// CopyFinished - уведомление пула-цели о завершении копирования.
type CopyFinished struct {
	PnfsID PnfsID `json:"pnfsid" validate:"required"`
	TaskID string `json:"task_id" validate:"required"`
	Source string `json:"source"`
	Target string `json:"target" validate:"required"`
	// Error - текст ошибки копирования (пусто при успехе)
	Error string `json:"error,omitempty"`
}

// Failed сообщает, завершилось ли копирование ошибкой.
func (m CopyFinished) Failed() bool {
	return m.Error != ""
}

func (m CopyFinished) String() string {
	return fmt.Sprintf("(%s, task %s, %s → %s, error %q)", m.PnfsID, m.TaskID, m.Source, m.Target, m.Error)
}

// StagingReturnCode - код ответа placement authority на запрос staging.
type StagingReturnCode string

const (
	StagingOK        StagingReturnCode = "OK"
	StagingOutOfDate StagingReturnCode = "OUT_OF_DATE"
	StagingFailed    StagingReturnCode = "FAILED"
)

// StagingReply - ответ на запрос выбора read-пула.
type StagingReply struct {
	PnfsID     PnfsID            `json:"pnfsid" validate:"required"`
	Pool       string            `json:"pool"`
	ReturnCode StagingReturnCode `json:"return_code" validate:"required,oneof=OK OUT_OF_DATE FAILED"`
	// Group - группа пулов, в рамках которой выполнялся выбор
	Group string `json:"group,omitempty"`
}

// ReplicaInfo - состояние реплики файла на пуле.
type ReplicaInfo struct {
	Pool   string `json:"pool"`
	Exists bool   `json:"exists"`
	Sticky bool   `json:"sticky"`
	Broken bool   `json:"broken"`
}
