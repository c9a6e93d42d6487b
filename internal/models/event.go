package models

import "time"

type EventAction string

const (
	EvImport    EventAction = "IMPORT"
	EvValidate  EventAction = "VALIDATE"
	EvLock      EventAction = "LOCK"
	EvUnlock    EventAction = "UNLOCK"
	EvCreateAnn EventAction = "CREATE_ANN"
	EvUpdateAnn EventAction = "UPDATE_ANN"
	EvDeleteAnn EventAction = "DELETE_ANN"
	EvFinalize  EventAction = "FINALIZE"
	EvIdentify  EventAction = "IDENTIFY"
	EvMerge     EventAction = "MERGE"
	EvExport    EventAction = "EXPORT"
)

// GradingEvent is one append-only audit row. CopyID is a weak reference:
// merge deletes the source copy but keeps its trail.
type GradingEvent struct {
	ID     int64
	CopyID int64
	Action EventAction
	Actor  int64
	At     time.Time
	Meta   map[string]any
}
