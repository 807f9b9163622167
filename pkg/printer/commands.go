package printer

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Command namespaces on the request channel
const (
	nsPrint  = "print"
	nsSystem = "system"
	nsInfo   = "info"
)

// command is one outbound envelope body before the sequence id is stamped.
// Extra carries command-specific fields beyond param.
type command struct {
	Namespace string
	Name      string
	Param     string
	Extra     map[string]interface{}
}

// nextSequence allocates a monotonic sequence id. The counter is shared by
// every command-issuing caller.
func (c *Client) nextSequence() uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// send wraps the command in its envelope and publishes it. Sending is
// fire-and-forget: success means the message left the session, not that
// the device complied. Compliance shows up later on the status stream.
func (c *Client) send(cmd command) error {
	c.mu.RLock()
	publish := c.publish
	connected := c.connected
	c.mu.RUnlock()
	if !connected || publish == nil {
		return ErrNotConnected
	}

	body := map[string]interface{}{
		"sequence_id": strconv.FormatUint(c.nextSequence(), 10),
		"command":     cmd.Name,
	}
	if cmd.Param != "" {
		body["param"] = cmd.Param
	}
	for k, v := range cmd.Extra {
		body[k] = v
	}
	payload, err := json.Marshal(map[string]interface{}{cmd.Namespace: body})
	if err != nil {
		return err
	}
	if err := publish(payload); err != nil {
		return fmt.Errorf("send %s.%s: %w", cmd.Namespace, cmd.Name, err)
	}
	c.logger.V(1).Info("command sent", "namespace", cmd.Namespace, "command", cmd.Name)
	return nil
}

// PrintOptions tunes a start command
type PrintOptions struct {
	UseAMS     bool  `json:"useAms"`
	AMSMapping []int `json:"amsMapping,omitempty"`
	Calibrate  bool  `json:"calibrate"`
}

// StartPrint tells the device to print a file previously uploaded to its
// cache directory.
func (c *Client) StartPrint(fileName string, opts PrintOptions) error {
	extra := map[string]interface{}{
		"url":          "file:///cache/" + fileName,
		"use_ams":      opts.UseAMS,
		"flow_cali":    opts.Calibrate,
		"bed_leveling": opts.Calibrate,
		"timelapse":    false,
		"subtask_name": fileName,
	}
	if len(opts.AMSMapping) > 0 {
		extra["ams_mapping"] = opts.AMSMapping
	}
	return c.send(command{
		Namespace: nsPrint,
		Name:      "project_file",
		Param:     "Metadata/plate_1.gcode",
		Extra:     extra,
	})
}

// PausePrint pauses the in-progress print
func (c *Client) PausePrint() error {
	return c.send(command{Namespace: nsPrint, Name: "pause"})
}

// ResumePrint resumes a paused print
func (c *Client) ResumePrint() error {
	return c.send(command{Namespace: nsPrint, Name: "resume"})
}

// StopPrint aborts the in-progress print
func (c *Client) StopPrint() error {
	return c.send(command{Namespace: nsPrint, Name: "stop"})
}

// SetBedTemperature sets the bed target in degrees Celsius
func (c *Client) SetBedTemperature(celsius int) error {
	return c.SendGcode(fmt.Sprintf("M140 S%d", celsius))
}

// SetNozzleTemperature sets the nozzle target in degrees Celsius
func (c *Client) SetNozzleTemperature(celsius int) error {
	return c.SendGcode(fmt.Sprintf("M104 S%d", celsius))
}

// SetPrintSpeed selects a speed level: 1 silent, 2 standard, 3 sport,
// 4 ludicrous.
func (c *Client) SetPrintSpeed(level int) error {
	if level < 1 || level > 4 {
		return fmt.Errorf("speed level %d out of range 1-4", level)
	}
	return c.send(command{
		Namespace: nsPrint,
		Name:      "print_speed",
		Param:     strconv.Itoa(level),
	})
}

// SetFanSpeed sets the part cooling fan to a duty percentage
func (c *Client) SetFanSpeed(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return c.SendGcode(fmt.Sprintf("M106 P1 S%d", percent*255/100))
}

// SetLight switches the chamber light
func (c *Client) SetLight(on bool) error {
	mode := "off"
	if on {
		mode = "on"
	}
	return c.send(command{
		Namespace: nsSystem,
		Name:      "ledctrl",
		Extra: map[string]interface{}{
			"led_node": "chamber_light",
			"led_mode": mode,
		},
	})
}

// SendGcode sends a raw G-code directive
func (c *Client) SendGcode(line string) error {
	return c.send(command{Namespace: nsPrint, Name: "gcode_line", Param: line})
}

// RunCalibration starts the device's calibration routine
func (c *Client) RunCalibration() error {
	return c.send(command{Namespace: nsPrint, Name: "calibration"})
}

// RequestFullStatus asks the device to push a complete status report
// rather than a diff.
func (c *Client) RequestFullStatus() error {
	return c.send(command{Namespace: nsInfo, Name: "pushall"})
}
