package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"robotrelay/internal/actuator"
	"robotrelay/internal/protocol"
	"robotrelay/internal/session"
)

// commandData is the union of fields the supported commands read.
type commandData struct {
	Action  string  `json:"action"`
	Command string  `json:"command"`
	Speed   int     `json:"speed"`
	Steps   int     `json:"steps"`
	Sound   string  `json:"sound"`
	Repeat  int     `json:"repeat"`
	Text    string  `json:"text"`
	Mode    string  `json:"mode"`
	Color   string  `json:"color"`
	Yaw     float64 `json:"yaw"`
	Enabled *bool   `json:"enabled"`
}

// handleCommand executes cmd and sends exactly one response for it.
func (a *Agent) handleCommand(ctx context.Context, cmd protocol.Command) {
	message, err := a.execute(ctx, cmd)
	if err != nil {
		a.logger.Warning("Command %s (%s) failed: %v", cmd.CommandType, cmd.CommandID, err)
	}
	a.emit(protocol.Reply(cmd, err, message))
}

func (a *Agent) execute(ctx context.Context, cmd protocol.Command) (string, error) {
	var data commandData
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return "", fmt.Errorf("invalid command data: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd.CommandType {
	case "control", "robot_action":
		name := data.Action
		if name == "" {
			name = data.Command
		}
		if name == "" {
			return "", errors.New("no action provided")
		}
		if err := a.controller.Authorize(name); err != nil {
			return "", err
		}
		if err := a.worker.Do(ctx, actionFor(name, data)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Command '%s' executed", name), nil

	case "speak":
		if err := a.controller.Authorize("speak"); err != nil {
			return "", err
		}
		if data.Text != "" {
			if err := a.worker.Do(ctx, actuator.Action{Kind: actuator.Speech, Text: data.Text}); err != nil {
				return "", err
			}
			return "Spoke text", nil
		}
		sound := data.Sound
		if sound == "" {
			sound = "bark"
		}
		if err := a.worker.Do(ctx, actuator.Action{Kind: actuator.Sound, Name: sound, Repeat: max(data.Repeat, 1)}); err != nil {
			return "", err
		}
		return fmt.Sprintf("Played sound %s", sound), nil

	case "rgb_control":
		if !a.caps.RGB {
			return "", fmt.Errorf("%w: rgb", actuator.ErrCapabilityMissing)
		}
		light := actuator.Action{Kind: actuator.Light, Color: data.Color, Style: data.Mode}
		if light.Color == "" {
			light.Color = "blue"
		}
		if light.Style == "" {
			light.Style = "breath"
		}
		if err := a.worker.Do(ctx, light); err != nil {
			return "", err
		}
		return fmt.Sprintf("RGB set to %s %s", light.Style, light.Color), nil

	case "head":
		if !a.caps.Head {
			return "", fmt.Errorf("%w: head", actuator.ErrCapabilityMissing)
		}
		if err := a.controller.Authorize("head"); err != nil {
			return "", err
		}
		if err := a.worker.Do(ctx, actuator.Action{Kind: actuator.Head, Yaw: data.Yaw}); err != nil {
			return "", err
		}
		return fmt.Sprintf("Head yaw set to %.1f", data.Yaw), nil

	case "set_mode":
		auto, err := requestedMode(data)
		if err != nil {
			return "", err
		}
		a.controller.SetAutoMode(auto)
		a.sendStatus()
		if auto {
			return "Mode set to auto", nil
		}
		return "Mode set to manual", nil

	case "toggle_mode":
		a.controller.SetAutoMode(!a.controller.AutoMode())
		a.sendStatus()
		return fmt.Sprintf("Auto mode %t", a.controller.AutoMode()), nil

	case "aggressive_mode":
		sequence := []actuator.Action{{Kind: actuator.Sound, Name: "growl", Repeat: 1}}
		if a.caps.RGB {
			sequence = append(sequence, actuator.Action{Kind: actuator.Light, Style: "boom", Color: "red"})
		}
		sequence = append(sequence, actuator.Action{Kind: actuator.Sound, Name: "bark", Repeat: 2})
		for _, action := range sequence {
			if err := a.worker.Do(ctx, action); err != nil {
				return "", err
			}
		}
		return "Attack mode activated!", nil

	case "status_request":
		a.sendStatus()
		return "Status sent", nil
	}

	return "", fmt.Errorf("%w: %s", actuator.ErrUnknownAction, cmd.CommandType)
}

// actionFor maps an operator action name to a sound or a motion.
func actionFor(name string, data commandData) actuator.Action {
	if actuator.IsSound(name) {
		return actuator.Action{Kind: actuator.Sound, Name: name, Repeat: max(data.Repeat, 1)}
	}
	speed := data.Speed
	if speed <= 0 {
		speed = 90
	}
	return actuator.Action{Kind: actuator.Motion, Name: name, Steps: max(data.Steps, 1), Speed: speed}
}

func requestedMode(data commandData) (bool, error) {
	if data.Enabled != nil {
		return *data.Enabled, nil
	}
	mode, err := session.ParseMode(data.Mode)
	if err != nil {
		return false, err
	}
	return mode == session.Auto, nil
}
