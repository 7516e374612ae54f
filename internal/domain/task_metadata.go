package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reserved metadata keys. Every other key in a task or step document belongs
// to collaborators and is carried through untouched.
const (
	MetaCurrentStep      = "currentStep"
	MetaTotalSteps       = "totalSteps"
	MetaWaitingFor       = "waitingFor"
	MetaWaitingSince     = "waitingSince"
	MetaResumeAfter      = "resumeAfter"
	MetaResponses        = "responses"
	MetaCompletedAt      = "completedAt"
	MetaParentTaskID     = "parentTaskId"
	MetaStatusHistory    = "statusHistory"
	MetaAutoResumed      = "autoResumed"
	MetaAutoResumeTime   = "autoResumeTime"
	MetaManuallyResumed  = "manuallyResumed"
	MetaManualResumeTime = "manualResumeTime"
)

var reservedKeys = map[string]struct{}{
	MetaCurrentStep: {}, MetaTotalSteps: {}, MetaWaitingFor: {}, MetaWaitingSince: {},
	MetaResumeAfter: {}, MetaResponses: {}, MetaCompletedAt: {}, MetaParentTaskID: {},
	MetaStatusHistory: {}, MetaAutoResumed: {}, MetaAutoResumeTime: {},
	MetaManuallyResumed: {}, MetaManualResumeTime: {},
}

// IsReservedKey reports whether key is owned by the lifecycle core.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// WaitState is the typed view of the wait fields of a metadata document.
type WaitState struct {
	WaitingFor   string
	WaitingSince *time.Time
	ResumeAfter  *time.Time
}

func (w WaitState) IsWaiting() bool {
	return w.WaitingFor != ""
}

// Expired reports whether the auto-resume deadline has elapsed. A wait
// without a deadline never expires.
func (w WaitState) Expired(now time.Time) bool {
	return w.ResumeAfter != nil && !w.ResumeAfter.After(now)
}

func ReadWaitState(md JSONB) WaitState {
	waitingFor := strings.TrimSpace(readString(md, MetaWaitingFor))
	if waitingFor == "" {
		return WaitState{}
	}
	return WaitState{
		WaitingFor:   waitingFor,
		WaitingSince: readTime(md, MetaWaitingSince),
		ResumeAfter:  readTime(md, MetaResumeAfter),
	}
}

// WriteWaitState stamps waitingSince = now. resumeAfter is only set when
// waitMinutes is given; without it the wait never auto-resumes.
func WriteWaitState(md JSONB, waitingFor string, waitMinutes *int, now time.Time) JSONB {
	out := md.Clone()
	out[MetaWaitingFor] = waitingFor
	out[MetaWaitingSince] = formatTime(now)
	if waitMinutes != nil {
		out[MetaResumeAfter] = formatTime(now.Add(time.Duration(*waitMinutes) * time.Minute))
	} else {
		delete(out, MetaResumeAfter)
	}
	return out
}

// ApplyWaitState copies w verbatim onto md, clearing the fields when w is not
// a wait. Used to mirror a step's wait onto its task.
func ApplyWaitState(md JSONB, w WaitState) JSONB {
	if !w.IsWaiting() {
		return ClearWaitState(md)
	}
	out := md.Clone()
	out[MetaWaitingFor] = w.WaitingFor
	setOptionalTime(out, MetaWaitingSince, w.WaitingSince)
	setOptionalTime(out, MetaResumeAfter, w.ResumeAfter)
	return out
}

func ClearWaitState(md JSONB) JSONB {
	out := md.Clone()
	delete(out, MetaWaitingFor)
	delete(out, MetaWaitingSince)
	delete(out, MetaResumeAfter)
	return out
}

// ResponseEntry is one element of the append-only responses list.
type ResponseEntry struct {
	Timestamp      time.Time
	Response       interface{}
	PreviousStatus TaskStatus
	NewStatus      TaskStatus
}

func AppendResponse(md JSONB, response interface{}, prev, next TaskStatus, now time.Time) JSONB {
	out := md.Clone()
	list := readList(md, MetaResponses)
	list = append(list, map[string]interface{}{
		"timestamp":      formatTime(now),
		"response":       response,
		"previousStatus": string(prev),
		"newStatus":      string(next),
	})
	out[MetaResponses] = list
	return out
}

func Responses(md JSONB) []ResponseEntry {
	list := readList(md, MetaResponses)
	out := make([]ResponseEntry, 0, len(list))
	for _, item := range list {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		entry := ResponseEntry{
			Response:       m["response"],
			PreviousStatus: TaskStatus(readString(m, "previousStatus")),
			NewStatus:      TaskStatus(readString(m, "newStatus")),
		}
		if ts := readTime(m, "timestamp"); ts != nil {
			entry.Timestamp = *ts
		}
		out = append(out, entry)
	}
	return out
}

// StatusChange is one element of a step's statusHistory list.
type StatusChange struct {
	Timestamp      time.Time
	PreviousStatus TaskStatus
	NewStatus      TaskStatus
}

func AppendStatusHistory(md JSONB, prev, next TaskStatus, now time.Time) JSONB {
	out := md.Clone()
	list := readList(md, MetaStatusHistory)
	list = append(list, map[string]interface{}{
		"timestamp":      formatTime(now),
		"previousStatus": string(prev),
		"newStatus":      string(next),
	})
	out[MetaStatusHistory] = list
	return out
}

func StatusHistory(md JSONB) []StatusChange {
	list := readList(md, MetaStatusHistory)
	out := make([]StatusChange, 0, len(list))
	for _, item := range list {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		change := StatusChange{
			PreviousStatus: TaskStatus(readString(m, "previousStatus")),
			NewStatus:      TaskStatus(readString(m, "newStatus")),
		}
		if ts := readTime(m, "timestamp"); ts != nil {
			change.Timestamp = *ts
		}
		out = append(out, change)
	}
	return out
}

// CurrentStepNumber defaults to 1 when the pointer is absent or unreadable.
func CurrentStepNumber(md JSONB) int {
	n, ok := readInt(md, MetaCurrentStep)
	if !ok || n < 1 {
		return 1
	}
	return n
}

func SetCurrentStepNumber(md JSONB, n int) JSONB {
	out := md.Clone()
	out[MetaCurrentStep] = n
	return out
}

// TotalSteps returns 0 when the task has no recorded steps.
func TotalSteps(md JSONB) int {
	n, ok := readInt(md, MetaTotalSteps)
	if !ok || n < 0 {
		return 0
	}
	return n
}

func SetTotalSteps(md JSONB, n int) JSONB {
	out := md.Clone()
	out[MetaTotalSteps] = n
	return out
}

func CompletedAt(md JSONB) *time.Time {
	return readTime(md, MetaCompletedAt)
}

func SetCompletedAt(md JSONB, at time.Time) JSONB {
	out := md.Clone()
	out[MetaCompletedAt] = formatTime(at)
	return out
}

func ClearCompletedAt(md JSONB) JSONB {
	out := md.Clone()
	delete(out, MetaCompletedAt)
	return out
}

func ParentTaskID(md JSONB) string {
	return strings.TrimSpace(readString(md, MetaParentTaskID))
}

func MarkAutoResumed(md JSONB, now time.Time) JSONB {
	out := md.Clone()
	out[MetaAutoResumed] = true
	out[MetaAutoResumeTime] = formatTime(now)
	return out
}

func AutoResumed(md JSONB) bool {
	v, _ := md[MetaAutoResumed].(bool)
	return v
}

func MarkManuallyResumed(md JSONB, now time.Time) JSONB {
	out := md.Clone()
	out[MetaManuallyResumed] = true
	out[MetaManualResumeTime] = formatTime(now)
	return out
}

func ManuallyResumed(md JSONB) bool {
	v, _ := md[MetaManuallyResumed].(bool)
	return v
}

// StepPointerAfterDelete recomputes currentStep after step `deleted` is
// removed from a task that had `total` steps.
func StepPointerAfterDelete(current, deleted, total int) int {
	remaining := total - 1
	next := current
	switch {
	case current > deleted:
		next = current - 1
	case current == deleted:
		next = deleted
		if remaining < next {
			next = remaining
		}
	}
	return ClampStep(next, remaining)
}

// ClampStep keeps n inside [1, total]; with no steps the pointer rests at 1.
func ClampStep(n, total int) int {
	if total < 1 || n < 1 {
		return 1
	}
	if n > total {
		return total
	}
	return n
}

// ==================== HELPERS ====================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func setOptionalTime(md JSONB, key string, t *time.Time) {
	if t == nil {
		delete(md, key)
		return
	}
	md[key] = formatTime(*t)
}

func readString(md map[string]interface{}, key string) string {
	if md == nil {
		return ""
	}
	s, _ := md[key].(string)
	return s
}

func readTime(md map[string]interface{}, key string) *time.Time {
	if md == nil {
		return nil
	}
	switch v := md[key].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		t = t.UTC()
		return &t
	case time.Time:
		t := v.UTC()
		return &t
	case *time.Time:
		if v == nil {
			return nil
		}
		t := v.UTC()
		return &t
	}
	return nil
}

func readInt(md JSONB, key string) (int, bool) {
	if md == nil {
		return 0, false
	}
	switch v := md[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// readList returns a fresh slice so appends never alias the caller's document.
func readList(md JSONB, key string) []interface{} {
	if md == nil {
		return nil
	}
	switch v := md[key].(type) {
	case []interface{}:
		out := make([]interface{}, len(v), len(v)+1)
		copy(out, v)
		return out
	case []map[string]interface{}:
		out := make([]interface{}, 0, len(v)+1)
		for _, item := range v {
			out = append(out, item)
		}
		return out
	}
	return nil
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case JSONB:
		return m, true
	}
	return nil, false
}
