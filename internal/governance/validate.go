package governance

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/basket/clawgov/internal/persistence"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 4000
	maxMetadataBytes  = 8 << 10
	defaultPriority   = "P2"
	defaultGate       = "none"
)

// taskIDPattern also keeps callers out of the reserved "__" namespace.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

var taskTypes = map[string]struct{}{
	"feature":  {},
	"bug":      {},
	"security": {},
	"ops":      {},
	"research": {},
	"content":  {},
	"doc":      {},
	"incident": {},
	"revops":   {},
}

var priorities = map[string]struct{}{"P0": {}, "P1": {}, "P2": {}, "P3": {}}

// Gates lists the approval gates a task can sit behind. "none" means ungated.
var Gates = []string{"none", "security", "revops", "claims", "product"}

func validGate(g string) bool {
	for _, known := range Gates {
		if g == known {
			return true
		}
	}
	return false
}

// CreateInput carries the caller-supplied fields of gov_create.
type CreateInput struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	TaskType      string          `json:"task_type"`
	Priority      string          `json:"priority,omitempty"`
	Gate          string          `json:"gate,omitempty"`
	Scope         string          `json:"scope"`
	ProductID     string          `json:"product_id,omitempty"`
	AssignedGroup string          `json:"assigned_group,omitempty"`
	DoDRequired   bool            `json:"dod_required,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// normalize validates in and returns the task row to insert. Product existence
// is checked separately because it needs the store.
func (in CreateInput) normalize() (persistence.GovTask, error) {
	id := strings.TrimSpace(in.ID)
	if !taskIDPattern.MatchString(id) {
		return persistence.GovTask{}, validationf("INVALID_ID", "task id %q must match %s", in.ID, taskIDPattern)
	}

	title := strings.TrimSpace(in.Title)
	if n := utf8.RuneCountInString(title); n == 0 || n > maxTitleLen {
		return persistence.GovTask{}, validationf("INVALID_TITLE", "title must be 1-%d characters", maxTitleLen)
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLen {
		return persistence.GovTask{}, validationf("INVALID_DESCRIPTION", "description exceeds %d characters", maxDescriptionLen)
	}

	taskType := strings.ToLower(strings.TrimSpace(in.TaskType))
	if _, ok := taskTypes[taskType]; !ok {
		return persistence.GovTask{}, validationf("INVALID_TASK_TYPE", "unknown task type %q", in.TaskType)
	}

	priority := strings.ToUpper(strings.TrimSpace(in.Priority))
	if priority == "" {
		priority = defaultPriority
	}
	if _, ok := priorities[priority]; !ok {
		return persistence.GovTask{}, validationf("INVALID_PRIORITY", "unknown priority %q", in.Priority)
	}

	gate := strings.ToLower(strings.TrimSpace(in.Gate))
	if gate == "" {
		gate = defaultGate
	}
	if !validGate(gate) {
		return persistence.GovTask{}, validationf("INVALID_GATE", "unknown gate %q", in.Gate)
	}

	scope := persistence.Scope(strings.ToUpper(strings.TrimSpace(in.Scope)))
	productID := strings.TrimSpace(in.ProductID)
	switch scope {
	case persistence.ScopeCompany:
		if productID != "" {
			return persistence.GovTask{}, validationf("INVALID_SCOPE", "product_id is only allowed on PRODUCT scope")
		}
	case persistence.ScopeProduct:
		if productID == "" {
			return persistence.GovTask{}, validationf("INVALID_SCOPE", "PRODUCT scope requires product_id")
		}
	default:
		return persistence.GovTask{}, validationf("INVALID_SCOPE", "scope must be COMPANY or PRODUCT, got %q", in.Scope)
	}

	metadata, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return persistence.GovTask{}, err
	}

	return persistence.GovTask{
		ID:            id,
		Title:         title,
		Description:   in.Description,
		TaskType:      taskType,
		Priority:      priority,
		Gate:          gate,
		Scope:         scope,
		ProductID:     productID,
		AssignedGroup: strings.TrimSpace(in.AssignedGroup),
		DoDRequired:   in.DoDRequired,
		Metadata:      metadata,
	}, nil
}

func normalizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}"), nil
	}
	if len(raw) > maxMetadataBytes {
		return nil, validationf("INVALID_METADATA", "metadata exceeds %d bytes", maxMetadataBytes)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, validationf("INVALID_METADATA", "metadata must be a JSON object")
	}
	if _, ok := obj["override"]; ok {
		return nil, validationf("INVALID_METADATA", "metadata key \"override\" is reserved")
	}
	compact, err := json.Marshal(obj)
	if err != nil {
		return nil, validationf("INVALID_METADATA", "metadata: %v", err)
	}
	return compact, nil
}
