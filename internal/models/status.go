package models

import "time"

// StatusType is the lifecycle state of a worker or game server instance.
type StatusType string

const (
	StatusCreated      StatusType = "CREATED"
	StatusInitializing StatusType = "INITIALIZING"
	StatusRunning      StatusType = "RUNNING"
	StatusLost         StatusType = "LOST"
	StatusComplete     StatusType = "COMPLETE"
	StatusCrashed      StatusType = "CRASHED"
)

// ActiveStatuses are states in which the subject is expected to heartbeat.
var ActiveStatuses = []StatusType{StatusCreated, StatusInitializing, StatusRunning}

// ObservedOnlyStatuses may only be synthesized by an observer (the status
// processor), never published by the subject itself.
var ObservedOnlyStatuses = []StatusType{StatusLost, StatusCrashed}

// IsActive reports whether s is one of the heartbeat-expected states.
func (s StatusType) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsObservedOnly reports whether s may only be synthesized by an observer.
func (s StatusType) IsObservedOnly() bool {
	for _, o := range ObservedOnlyStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// EntityType discriminates the subject of an in-flight status message.
type EntityType string

const (
	EntityWorker             EntityType = "WORKER"
	EntityGameServerInstance EntityType = "GAME_SERVER_INSTANCE"
)

// InternalStatusInfo is the wire form of a status event. The entity type plus
// identifier uniquely locate the subject; persistence parses the identifier
// as an integer id.
type InternalStatusInfo struct {
	EntityType EntityType `json:"entity_type"`
	Identifier string     `json:"identifier"`
	StatusType StatusType `json:"status_type"`
	AsOf       time.Time  `json:"as_of"`
}

// ExternalStatusInfo is the persisted form of a status event. Exactly one of
// WorkerID or GameServerInstanceID is set.
type ExternalStatusInfo struct {
	ExternalStatusInfoID int64      `json:"external_status_info_id"`
	ClassName            string     `json:"class_name"`
	StatusType           StatusType `json:"status_type"`
	WorkerID             *int64     `json:"worker_id,omitempty"`
	GameServerInstanceID *int64     `json:"game_server_instance_id,omitempty"`
	AsOf                 time.Time  `json:"as_of"`
}
