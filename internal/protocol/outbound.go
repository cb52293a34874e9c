// Package protocol defines the JSON wire frames exchanged with the recipe
// backend: outbound action frames and the inbound response variants.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Action names a backend operation.
type Action string

// Outbound actions.
const (
	ActionSendText    Action = "sendtext"
	ActionGetRecipes  Action = "getrecipes"
	ActionGetRecipe   Action = "getrecipe"
	ActionStartRecipe Action = "startrecipe"
	ActionTaskDone    Action = "taskdone"
)

// Frame is an outbound request.
type Frame struct {
	Action  Action `json:"action"`
	Payload any    `json:"payload"`
}

type textPayload struct {
	Message string `json:"message"`
}

type workflowPayload struct {
	WorkflowID string `json:"workflowId"`
}

type taskPayload struct {
	TaskID string `json:"taskId"`
}

// SendText asks the assistant to answer a free-text message.
func SendText(message string) Frame {
	return Frame{Action: ActionSendText, Payload: textPayload{Message: message}}
}

// GetRecipes requests the recipe catalogue. The backend expects an empty
// string payload.
func GetRecipes() Frame {
	return Frame{Action: ActionGetRecipes, Payload: ""}
}

// GetRecipe requests the full detail of one workflow.
func GetRecipe(workflowID string) Frame {
	return Frame{Action: ActionGetRecipe, Payload: workflowPayload{WorkflowID: workflowID}}
}

// StartRecipe starts a cooking run for a workflow.
func StartRecipe(workflowID string) Frame {
	return Frame{Action: ActionStartRecipe, Payload: workflowPayload{WorkflowID: workflowID}}
}

// TaskDoneFrame marks a step of the running workflow as completed. The
// inbound acknowledgement is TaskDone.
func TaskDoneFrame(taskID string) Frame {
	return Frame{Action: ActionTaskDone, Payload: taskPayload{TaskID: taskID}}
}

// Encode serializes the frame.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", f.Action, err)
	}
	return data, nil
}
