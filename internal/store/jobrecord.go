// internal/store/jobrecord.go
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"generation-core/internal/models"

	"github.com/xeipuuv/gojsonschema"
)

// CurrentJobKey is the single slot the in-flight job is persisted under.
// One job at a time per install, so the key is fixed.
const CurrentJobKey = "generation:current_job"

// jobRecordSchema guards recovery against corrupt or foreign blobs. A blob
// that fails validation is unrecoverable and gets discarded instead of
// resumed.
const jobRecordSchema = `{
	"type": "object",
	"required": ["localRequestId", "userId", "inputRef", "prompt", "status", "createdAt"],
	"properties": {
		"jobId": {"type": "string"},
		"localRequestId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1},
		"inputRef": {"type": "string", "minLength": 1},
		"prompt": {"type": "string"},
		"status": {
			"type": "string",
			"enum": ["STARTING", "PROCESSING", "SUCCEEDED", "FAILED", "CANCELED", "EXPIRED"]
		},
		"createdAt": {"type": "string"},
		"completedAt": {"type": "string"},
		"resultRef": {"type": "string"},
		"errorMessage": {"type": "string"}
	}
}`

var compiledJobSchema = gojsonschema.NewStringLoader(jobRecordSchema)

// JobRecordStore persists the single current GenerationJob.
type JobRecordStore struct {
	store DurableStore
}

func NewJobRecordStore(store DurableStore) *JobRecordStore {
	return &JobRecordStore{store: store}
}

// Save writes the job blob. Called before the start network call and after
// every meaningful state change.
func (s *JobRecordStore) Save(ctx context.Context, job *models.GenerationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return s.store.Set(ctx, CurrentJobKey, string(data))
}

// Load reads and validates the persisted job. Returns ErrNotFound when no
// job is persisted, and ErrCorrupt when the blob fails schema validation.
func (s *JobRecordStore) Load(ctx context.Context) (*models.GenerationJob, error) {
	raw, err := s.store.Get(ctx, CurrentJobKey)
	if err != nil {
		return nil, err
	}

	result, err := gojsonschema.Validate(compiledJobSchema, gojsonschema.NewStringLoader(raw))
	if err != nil || !result.Valid() {
		return nil, ErrCorrupt
	}

	var job models.GenerationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, ErrCorrupt
	}
	return &job, nil
}

// Delete clears the persisted job slot.
func (s *JobRecordStore) Delete(ctx context.Context) error {
	return s.store.Delete(ctx, CurrentJobKey)
}

// ErrCorrupt marks a persisted blob that cannot be trusted.
var ErrCorrupt = fmt.Errorf("store: persisted job record is corrupt")
