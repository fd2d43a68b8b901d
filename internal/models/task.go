package models

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"
)

// TaskStatus represents the lifecycle state of one mint generation task.
// Transitions are strictly PENDING -> IN_PROGRESS -> {COMPLETED, FAILED, TIMEOUT};
// the three right-hand states are terminal and immutable.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusTimeout    TaskStatus = "TIMEOUT"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// TaskStage is one named step of the pipeline. Stages only ever advance
// through stageOrder; they never regress.
type TaskStage string

const (
	StageArt      TaskStage = "ART"
	StageMetadata TaskStage = "METADATA"
	StageIPFS     TaskStage = "IPFS"
	StageTokenURI TaskStage = "TOKENURI"
	StageDone     TaskStage = "DONE"
)

var stageOrder = []TaskStage{StageArt, StageMetadata, StageIPFS, StageTokenURI, StageDone}

// StageIndex returns the position of the stage in the pipeline order,
// or -1 for an unknown stage (including the empty stage of a PENDING task).
func StageIndex(stage TaskStage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// StageProgress returns the progress bucket reported for a stage. The
// buckets match what the polling front-end renders: 25/50/75/95, and 100
// once the tokenURI commit lands.
func StageProgress(stage TaskStage) int {
	switch stage {
	case StageArt:
		return 25
	case StageMetadata:
		return 50
	case StageIPFS:
		return 75
	case StageTokenURI:
		return 95
	case StageDone:
		return 100
	default:
		return 0
	}
}

// Artifact accumulates the outputs of completed stages. Fields are filled
// in as stages finish and are never cleared; a FAILED task keeps whatever
// it produced so an operator can resume it by hand.
type Artifact struct {
	ImageCID     string `json:"image_cid,omitempty"`
	MetadataJSON string `json:"metadata_json,omitempty"`
	MetadataCID  string `json:"metadata_cid,omitempty"`
	TokenURI     string `json:"token_uri,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	Provider     string `json:"provider,omitempty"` // provider that actually produced the image
}

// HistoryEntry is one append-only audit record of a task transition.
type HistoryEntry struct {
	Time    time.Time  `json:"time"`
	Stage   TaskStage  `json:"stage,omitempty"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// Task is the central record tracking one observed MintRequested event
// from discovery to the committed tokenURI. The task store exclusively
// owns Task records; the orchestrator mutates them only through the
// store's Update, and the status API reads snapshots.
type Task struct {
	ID      string `json:"id"`
	TokenID uint64 `json:"token_id"`
	Buyer   string `json:"buyer"` // 0x-prefixed hex address
	Breed   string `json:"breed"`

	Request ProviderRequest `json:"provider_request"`

	Status   TaskStatus `json:"status"`
	Stage    TaskStage  `json:"stage,omitempty"`
	Progress int        `json:"progress"`
	Message  string     `json:"message,omitempty"`

	Artifact Artifact          `json:"artifact"`
	Attempts map[TaskStage]int `json:"attempts,omitempty"`
	History  []HistoryEntry    `json:"history,omitempty"`

	BlockNumber uint64 `json:"block_number,omitempty"`
	MintTxHash  string `json:"mint_tx_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask creates a PENDING task for an observed mint.
func NewTask(tokenID uint64, buyer, breed string, req ProviderRequest) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        NewTaskID(),
		TokenID:   tokenID,
		Buyer:     buyer,
		Breed:     breed,
		Request:   req,
		Status:    StatusPending,
		Progress:  0,
		Attempts:  make(map[TaskStage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the task reached a terminal status.
func (t *Task) Terminal() bool {
	return t.Status.Terminal()
}

// Clone returns a deep copy of the task. The store hands out clones so a
// status API read can never observe a partial mutation.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Attempts = make(map[TaskStage]int, len(t.Attempts))
	for k, v := range t.Attempts {
		cp.Attempts[k] = v
	}
	cp.History = make([]HistoryEntry, len(t.History))
	copy(cp.History, t.History)
	return &cp
}

const taskIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewTaskID mints an opaque task identifier of the documented form
// task_<millis>_<random>.
func NewTaskID() string {
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = taskIDAlphabet[rand.Intn(len(taskIDAlphabet))]
	}
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), suffix)
}

var taskIDPattern = regexp.MustCompile(`^task_\d+_[A-Za-z0-9]+$`)

// ValidateTaskID checks a client-supplied task id against the documented
// format before it is allowed anywhere near the store.
func ValidateTaskID(id string) error {
	if !taskIDPattern.MatchString(id) {
		return ErrInvalidTaskID
	}
	return nil
}
