package poolop

import (
	"fmt"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/domain/poolstatus"
)

// State - состояние операции над пулом.
type State string

const (
	StateIdle     State = "IDLE"
	StateWaiting  State = "WAITING"
	StateRunning  State = "RUNNING"
	StateFailed   State = "FAILED"
	StateCanceled State = "CANCELED"
	// StateExcluded - пул исключён администратором, сканы не выполняются
	StateExcluded State = "EXCLUDED"
)

// ScanRequest - параметры скана пула.
type ScanRequest struct {
	Pool string
	// Type - POOL_STATUS_UP или POOL_STATUS_DOWN
	Type model.MessageType
	// Group - группа, в рамках которой выполняется скан (NoIndex - resilient-группа пула)
	Group int
	// Unit - storage unit (NoIndex - все)
	Unit  int
	Force bool
}

// ScanTask - выполняющийся скан пула.
type ScanTask interface {
	Cancel()
}

// Scanner запускает сканы пулов. StartScan не блокируется: результат
// сообщается через Map.ScanCompleted, завершение дочерних операций -
// через Map.ChildTerminated.
type Scanner interface {
	StartScan(req ScanRequest) ScanTask
}

// Operation - состояние скана одного пула. Все поля защищены мьютексом Map.
type Operation struct {
	state  State
	status *poolstatus.Tracker

	group     int
	unit      int
	forceScan bool

	lastUpdate time.Time
	lastScan   time.Time

	// children == -1, пока скан не сообщил число дочерних операций
	children  int
	completed int
	failed    int

	err  error
	task ScanTask
}

func newOperation() *Operation {
	now := time.Now()
	return &Operation{
		state:      StateIdle,
		status:     poolstatus.NewTracker(),
		group:      model.NoIndex,
		unit:       model.NoIndex,
		lastUpdate: now,
		lastScan:   now,
		children:   -1,
	}
}

func (o *Operation) resetChildren() {
	o.children = -1
	o.completed = 0
}

func (o *Operation) resetFailed() {
	o.failed = 0
}

func (o *Operation) incrementCompleted(failed bool) {
	o.completed++
	if failed {
		o.failed++
	}
}

func (o *Operation) isComplete() bool {
	return o.children >= 0 && o.completed >= o.children
}

func (o *Operation) cancelTask() {
	if o.task != nil {
		o.task.Cancel()
		o.task = nil
	}
}

// kind - вид операции для метрик.
func (o *Operation) kind() string {
	if o.status.Current() == poolstatus.Down {
		return "DOWN"
	}
	return "UP"
}

// Snapshot - копия состояния операции над пулом.
type Snapshot struct {
	Pool          string            `json:"pool"`
	State         State             `json:"state"`
	CurrentStatus poolstatus.Status `json:"current_status"`
	LastStatus    poolstatus.Status `json:"last_status"`
	Group         string            `json:"group,omitempty"`
	Unit          string            `json:"storage_unit,omitempty"`
	Forced        bool              `json:"forced"`
	Children      int               `json:"children"`
	Completed     int               `json:"completed"`
	Failed        int               `json:"failed"`
	LastUpdate    time.Time         `json:"last_update"`
	LastScan      time.Time         `json:"last_scan"`
	Error         string            `json:"error,omitempty"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("(%s %s)(%s → %s)(children %d, completed %d, failed %d)",
		s.Pool, s.State, s.LastStatus, s.CurrentStatus, s.Children, s.Completed, s.Failed)
}
