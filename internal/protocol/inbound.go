package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON objects or
	// lack a required discriminator.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownType is returned for well-formed frames with an unrecognized
	// type or messageType.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrIncomplete is returned for legacy frames missing sender, content or
	// timestamp.
	ErrIncomplete = errors.New("protocol: incomplete legacy message")
)

// Frame kinds.
const (
	KindResponse = "response"
	KindMessage  = "message"
)

// Response subkinds.
const (
	TypeRecipesList      = "recipes_list"
	TypeRecipeDetail     = "recipe_detail"
	TypeRecipeStarted    = "recipe_started"
	TypeWorkflowStarted  = "workflow_started"
	TypeWorkflowFinished = "workflow_finished"
	TypeText             = "text"
	TypeTextMessage      = "text_message"
	TypeScheduledTask    = "scheduled_task"
	TypeTimedTask        = "timed_task"
	TypeTaskDone         = "task_done"
	TypeNextTask         = "next_task"
	TypeTimerDone        = "timer_done"
)

// StatusError is the payload status the backend uses to report a failure.
const StatusError = "error"

// Inbound is a decoded backend frame. The concrete type is one of
// *RecipesList, *RecipeDetail, *RecipeStarted, *WorkflowStarted,
// *WorkflowFinished, *TextReply, *Notification, *TaskDone, *NextTask,
// *TimerDone or *Legacy.
type Inbound interface {
	// MessageType returns the wire subkind the frame was decoded from.
	MessageType() string
	// Time returns the backend timestamp, or the zero time when absent.
	Time() time.Time
	inbound()
}

// Header carries the fields common to every decoded frame.
type Header struct {
	Type      string    `json:"-"`
	Timestamp time.Time `json:"-"`
}

func (h Header) MessageType() string { return h.Type }
func (h Header) Time() time.Time     { return h.Timestamp }
func (Header) inbound()              {}

// Label is a display string the backend sends either as a JSON string or a
// number (e.g. durations in minutes).
type Label string

func (l *Label) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Label(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	*l = Label(n.String())
	return nil
}

// WorkflowSummary is one item of a recipe list.
type WorkflowSummary struct {
	WorkflowID string `json:"workflowId"`
	Title      string `json:"title"`
	Duration   Label  `json:"duration"`
	ImageURL   string `json:"imageUrl"`
	Intro      string `json:"intro"`
}

// Task is one step of a workflow as sent by the backend.
type Task struct {
	TaskID           string `json:"taskId"`
	Title            string `json:"title"`
	Duration         Label  `json:"duration"`
	ImageURL         string `json:"imageUrl"`
	MediaURL         string `json:"mediaUrl"`
	ShortDescription string `json:"shortDescription"`
	Description      string `json:"description"`
}

// Media returns the step media reference, preferring mediaUrl.
func (t Task) Media() string {
	if t.MediaURL != "" {
		return t.MediaURL
	}
	return t.ImageURL
}

// WorkflowDetail is the full description of a workflow.
type WorkflowDetail struct {
	WorkflowID  string   `json:"workflowId"`
	Title       string   `json:"title"`
	Duration    Label    `json:"duration"`
	ImageURL    string   `json:"imageUrl"`
	Intro       string   `json:"intro"`
	IntroText   string   `json:"introText"`
	Ingredients []string `json:"ingredients"`
	Utensils    []string `json:"utensils"`
	Tasks       []Task   `json:"tasks"`
}

// IntroOrText returns whichever intro field the backend filled.
func (d WorkflowDetail) IntroOrText() string {
	if d.Intro != "" {
		return d.Intro
	}
	return d.IntroText
}

// TaskRef names a follow-up task. The backend sends either a bare task id
// or an object with taskId and title.
type TaskRef struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title"`
}

func (r *TaskRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.TaskID)
	}
	type plain TaskRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = TaskRef(p)
	return nil
}

// RecipesList answers getrecipes.
type RecipesList struct {
	Header
	Recipes []WorkflowSummary
	Message string
}

// RecipeDetail answers getrecipe.
type RecipeDetail struct {
	Header
	Status string
	Error  string
	Detail WorkflowDetail
}

// Failed reports a backend-side failure.
func (m *RecipeDetail) Failed() bool { return m.Status == StatusError }

// RecipeStarted answers startrecipe.
type RecipeStarted struct {
	Header
	Status     string `json:"status"`
	WorkflowID string `json:"workflowId"`
	Title      string `json:"title"`
	Error      string `json:"error"`
}

// Failed reports a backend-side failure.
func (m *RecipeStarted) Failed() bool { return m.Status == StatusError }

// WorkflowStarted is pushed when the backend starts a workflow on its own.
type WorkflowStarted struct {
	Header
	Detail  WorkflowDetail
	Message string
}

// WorkflowFinished is pushed when every task of a workflow completed.
type WorkflowFinished struct {
	Header
	WorkflowID string `json:"workflowId"`
	Title      string `json:"title"`
	Message    string `json:"message"`
}

// TextReply is a free-text answer from the assistant.
type TextReply struct {
	Header
	Text string
}

// Notification is a scheduled_task or timed_task push.
type Notification struct {
	Header
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	Duration   Label  `json:"duration"`
}

// Timed reports whether the notification announces a timer.
func (m *Notification) Timed() bool { return m.Type == TypeTimedTask }

// TaskDone acknowledges taskdone.
type TaskDone struct {
	Header
	Status     string    `json:"status"`
	WorkflowID string    `json:"workflowId"`
	TaskID     string    `json:"taskId"`
	NextTasks  []TaskRef `json:"nextTasks"`
	Error      string    `json:"error"`
}

// Failed reports a backend-side failure.
func (m *TaskDone) Failed() bool { return m.Status == StatusError }

// NextTask is pushed when the backend advances a workflow by itself.
type NextTask struct {
	Header
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
	Title      string `json:"title"`
}

// TimerDone is pushed when the timer of a timed task elapsed.
type TimerDone struct {
	Header
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
}

// Legacy is the older {type:"message", data:{...}} push.
type Legacy struct {
	Header
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	SentAt         Label  `json:"timestamp"`
	EntryType      string `json:"type"`
	VideoURL       string `json:"videoUrl"`
	VideoTitle     string `json:"videoTitle"`
	VideoThumbnail string `json:"videoThumbnail"`
	AudioURL       string `json:"audioUrl"`
	AudioTitle     string `json:"audioTitle"`
	AudioDuration  int    `json:"audioDuration"`
}

// SentTime parses the legacy timestamp, falling back to the frame time.
func (m *Legacy) SentTime() time.Time {
	if t, ok := parseTime(string(m.SentAt)); ok {
		return t
	}
	return m.Timestamp
}

type envelope struct {
	Type        string          `json:"type"`
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
	Data        json.RawMessage `json:"data"`
	Metadata    *struct {
		Timestamp string `json:"timestamp"`
	} `json:"metadata"`
}

// Decode classifies a raw frame. It returns an error wrapping ErrMalformed,
// ErrUnknownType or ErrIncomplete for frames that must be dropped.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	h := Header{Type: env.MessageType}
	if env.Metadata != nil {
		h.Timestamp, _ = parseTime(env.Metadata.Timestamp)
	}

	switch env.Type {
	case KindResponse:
		if env.MessageType == "" {
			return nil, fmt.Errorf("%w: response without messageType", ErrMalformed)
		}
		return decodeResponse(h, env.Payload)
	case KindMessage:
		h.Type = KindMessage
		return decodeLegacy(h, env.Data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownType, env.Type)
	}
}

func decodeResponse(h Header, payload json.RawMessage) (Inbound, error) {
	switch h.Type {
	case TypeRecipesList:
		return decodeRecipesList(h, payload)
	case TypeRecipeDetail:
		m := &RecipeDetail{Header: h}
		var p struct {
			WorkflowDetail
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := unmarshalPayload(h.Type, payload, &p); err != nil {
			return nil, err
		}
		m.Status, m.Error, m.Detail = p.Status, p.Error, p.WorkflowDetail
		return m, nil
	case TypeRecipeStarted:
		return decodeInto(&RecipeStarted{Header: h}, payload)
	case TypeWorkflowStarted:
		m := &WorkflowStarted{Header: h}
		var p struct {
			WorkflowDetail
			Message string `json:"message"`
		}
		if err := unmarshalPayload(h.Type, payload, &p); err != nil {
			return nil, err
		}
		m.Detail, m.Message = p.WorkflowDetail, p.Message
		return m, nil
	case TypeWorkflowFinished:
		return decodeInto(&WorkflowFinished{Header: h}, payload)
	case TypeText, TypeTextMessage:
		text, err := decodeText(payload)
		if err != nil {
			return nil, err
		}
		return &TextReply{Header: h, Text: text}, nil
	case TypeScheduledTask, TypeTimedTask:
		return decodeInto(&Notification{Header: h}, payload)
	case TypeTaskDone:
		return decodeInto(&TaskDone{Header: h}, payload)
	case TypeNextTask:
		return decodeInto(&NextTask{Header: h}, payload)
	case TypeTimerDone:
		return decodeInto(&TimerDone{Header: h}, payload)
	default:
		return nil, fmt.Errorf("%w: messageType %q", ErrUnknownType, h.Type)
	}
}

func decodeInto[T Inbound](m T, payload json.RawMessage) (Inbound, error) {
	if err := unmarshalPayload(m.MessageType(), payload, m); err != nil {
		return nil, err
	}
	return m, nil
}

// unmarshalPayload decodes an object payload into v.
func unmarshalPayload(typ string, payload json.RawMessage, v any) error {
	if len(payload) == 0 || payload[0] != '{' {
		return fmt.Errorf("%w: %s payload must be an object", ErrMalformed, typ)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, typ, err)
	}
	return nil
}

// decodeRecipesList accepts a bare array or an object with a recipes or
// workflows array.
func decodeRecipesList(h Header, payload json.RawMessage) (Inbound, error) {
	m := &RecipesList{Header: h}
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '[' {
		if err := json.Unmarshal(payload, &m.Recipes); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, h.Type, err)
		}
		return m, nil
	}
	var p struct {
		Recipes   []WorkflowSummary `json:"recipes"`
		Workflows []WorkflowSummary `json:"workflows"`
		Message   string            `json:"message"`
	}
	if err := unmarshalPayload(h.Type, payload, &p); err != nil {
		return nil, err
	}
	m.Recipes = p.Recipes
	if len(m.Recipes) == 0 {
		m.Recipes = p.Workflows
	}
	m.Message = p.Message
	return m, nil
}

// decodeText accepts a string payload or an object with text or message.
func decodeText(payload json.RawMessage) (string, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '"' {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return "", fmt.Errorf("%w: text payload: %v", ErrMalformed, err)
		}
		return s, nil
	}
	var p struct {
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if err := unmarshalPayload(TypeText, payload, &p); err != nil {
		return "", err
	}
	if p.Text != "" {
		return p.Text, nil
	}
	if p.Message != "" {
		return p.Message, nil
	}
	return "", fmt.Errorf("%w: text payload without text", ErrMalformed)
}

func decodeLegacy(h Header, data json.RawMessage) (Inbound, error) {
	m := &Legacy{Header: h}
	if err := unmarshalPayload(KindMessage, data, m); err != nil {
		return nil, err
	}
	if m.Sender == "" || m.Content == "" || m.SentAt == "" {
		return nil, ErrIncomplete
	}
	return m, nil
}

// parseTime accepts RFC 3339 strings and unix milliseconds.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}
