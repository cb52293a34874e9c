// Package command sends user-initiated requests to the backend.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/protocol"
	"github.com/raphaelgruber/recipechat/internal/store"
)

// ErrNotConnected is returned when a command is issued while the connection
// is not open. The command is not queued.
var ErrNotConnected = errors.New("command: not connected")

// Sender transmits encoded frames. *transport.Transport implements it.
type Sender interface {
	Send(frame []byte) error
	Connected() bool
}

// Encoder builds request frames and hands them to a Sender.
type Encoder struct {
	sender    Sender
	store     *store.Store
	sessionID func() string
	log       *slog.Logger
}

// New creates an Encoder. sender may be nil for offline clients, in which
// case every command fails with ErrNotConnected.
func New(sender Sender, st *store.Store, sessionID func() string, log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{
		sender:    sender,
		store:     st,
		sessionID: sessionID,
		log:       log.With("component", "command"),
	}
}

// Ready reports whether commands can currently be sent.
func (e *Encoder) Ready() bool {
	return e.sender != nil && e.sender.Connected()
}

// SendText sends a chat message. Once the connection is known to be ready
// the message is appended to the log as a user entry, ahead of any reply.
func (e *Encoder) SendText(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("command: message is empty")
	}
	f := protocol.SendText(message)
	data, err := e.encode(f)
	if err != nil {
		return err
	}
	if e.store != nil {
		sid := e.sessionID()
		entry := models.NewEntry(models.EntryText, models.RoleUser, sid, message, time.Now().UTC())
		if err := e.store.Append(ctx, sid, entry); err != nil {
			return fmt.Errorf("command: record message: %w", err)
		}
	}
	return e.transmit(f, data)
}

// ListRecipes requests the recipe catalogue.
func (e *Encoder) ListRecipes() error {
	return e.send(protocol.GetRecipes())
}

// GetRecipe requests the detail of one workflow.
func (e *Encoder) GetRecipe(workflowID string) error {
	if workflowID == "" {
		return errors.New("command: workflow id is required")
	}
	return e.send(protocol.GetRecipe(workflowID))
}

// StartRecipe starts cooking a workflow.
func (e *Encoder) StartRecipe(workflowID string) error {
	if workflowID == "" {
		return errors.New("command: workflow id is required")
	}
	return e.send(protocol.StartRecipe(workflowID))
}

// TaskDone marks a step as completed.
func (e *Encoder) TaskDone(taskID string) error {
	if taskID == "" {
		return errors.New("command: task id is required")
	}
	return e.send(protocol.TaskDoneFrame(taskID))
}

func (e *Encoder) send(f protocol.Frame) error {
	data, err := e.encode(f)
	if err != nil {
		return err
	}
	return e.transmit(f, data)
}

// encode checks readiness before building the frame.
func (e *Encoder) encode(f protocol.Frame) ([]byte, error) {
	if !e.Ready() {
		e.log.Debug("command rejected, not connected", "action", f.Action)
		return nil, ErrNotConnected
	}
	return f.Encode()
}

func (e *Encoder) transmit(f protocol.Frame, data []byte) error {
	if err := e.sender.Send(data); err != nil {
		return fmt.Errorf("command: %s: %w", f.Action, err)
	}
	e.log.Debug("command sent", "action", f.Action)
	return nil
}
