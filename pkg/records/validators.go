package records

import "time"

// Payloads and query params for the records endpoints.
type CreateRecordPayload struct {
	UserID         string                 `json:"user_id" validate:"required"`
	EntityType     string                 `json:"entity_type" validate:"required,min=1,max=100"`
	Value          float64                `json:"value"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	ValueTimestamp time.Time              `json:"value_timestamp" validate:"required"`
	SubDayTime     *string                `json:"sub_day_time,omitempty" validate:"omitempty,hhmm" tstype:"string"`
}

type ListRecordsQuery struct {
	UserID     string  `query:"user_id" json:"user_id" validate:"required"`
	EntityType *string `query:"entity_type" json:"entity_type,omitempty" tstype:"string"`
	From       *string `query:"from" json:"from,omitempty" validate:"omitempty,date" tstype:"string"`
	To         *string `query:"to" json:"to,omitempty" validate:"omitempty,date" tstype:"string"`
}

type DeleteRecordQuery struct {
	UserID string `query:"user_id" json:"user_id" validate:"required"`
}

type SyncStatusQuery struct {
	UserID string `query:"user_id" json:"user_id" validate:"required"`
}

type RetrySyncPayload struct {
	UserID string `json:"user_id" validate:"required"`
}
