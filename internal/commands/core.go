package commands

import (
	"context"

	"github.com/can-bridge/internal/scheduler"
)

// ParamSpec says which parameters a command accepts.
type ParamSpec int

const (
	// NoParams rejects any parameter.
	NoParams ParamSpec = iota
	// ConfigFields requires at least one parameter. Names outside the
	// parameter schema are ignored by the store.
	ConfigFields
)

// SchedulerCommandHandler forwards one RPC method to one scheduler command.
type SchedulerCommandHandler struct {
	name        string
	description string
	cmdType     string
	readOnly    bool
	params      ParamSpec
	exec        Executor
}

// NewSchedulerCommandHandler creates a handler for cmdType.
func NewSchedulerCommandHandler(exec Executor, name, description, cmdType string, readOnly bool, spec ParamSpec) *SchedulerCommandHandler {
	return &SchedulerCommandHandler{
		name:        name,
		description: description,
		cmdType:     cmdType,
		readOnly:    readOnly,
		params:      spec,
		exec:        exec,
	}
}

// Handle validates params and runs the scheduler command
func (h *SchedulerCommandHandler) Handle(ctx context.Context, p map[string]string) (interface{}, error) {
	switch h.params {
	case NoParams:
		if len(p) > 0 {
			return nil, &CommandError{Code: ErrInvalidParams, Message: ErrInvalidParams, Details: "this command does not accept parameters"}
		}
	case ConfigFields:
		if len(p) == 0 {
			return nil, &CommandError{Code: ErrInvalidParams, Message: ErrInvalidParams, Details: "at least one field is required"}
		}
	}

	response := h.exec.ExecuteCommand(ctx, h.cmdType, p)
	if response.Error != "" {
		return nil, &CommandError{Code: response.Error, Message: response.Error, Details: response.Detail}
	}
	return response.Result, nil
}

// GetName returns the command name
func (h *SchedulerCommandHandler) GetName() string {
	return h.name
}

// GetDescription returns the command description
func (h *SchedulerCommandHandler) GetDescription() string {
	return h.description
}

// IsReadOnly reports whether the command leaves state untouched
func (h *SchedulerCommandHandler) IsReadOnly() bool {
	return h.readOnly
}

// RegisterCoreCommands registers the bridge commands in the registry
func RegisterCoreCommands(registry *CommandRegistry, exec Executor) {
	for _, h := range []*SchedulerCommandHandler{
		NewSchedulerCommandHandler(exec, "transmit", "Send the stored file onto the bus", scheduler.CmdTransmit, false, NoParams),
		NewSchedulerCommandHandler(exec, "status", "File, parameters, bus counters and last run", scheduler.CmdStatus, true, NoParams),
		NewSchedulerCommandHandler(exec, "config_get", "Read transmission parameters", scheduler.CmdGetConfig, true, NoParams),
		NewSchedulerCommandHandler(exec, "config_set", "Update transmission parameters", scheduler.CmdSaveConfig, false, ConfigFields),
		NewSchedulerCommandHandler(exec, "config_reset", "Restore default transmission parameters", scheduler.CmdResetConfig, false, NoParams),
		NewSchedulerCommandHandler(exec, "file_status", "Report the stored file", scheduler.CmdFileStatus, true, NoParams),
		NewSchedulerCommandHandler(exec, "file_remove", "Delete the stored file", scheduler.CmdRemoveFile, false, NoParams),
		NewSchedulerCommandHandler(exec, "monitor_snapshot", "Read the receive monitor", scheduler.CmdMonitorSnapshot, true, NoParams),
		NewSchedulerCommandHandler(exec, "bus_status", "Read bus state and counters", scheduler.CmdBusStatus, true, NoParams),
		NewSchedulerCommandHandler(exec, "last_run", "Result of the latest transmission", scheduler.CmdLastRun, true, NoParams),
	} {
		registry.Register(h)
	}
}
