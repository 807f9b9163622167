package printer

import (
	"encoding/json"
	"time"

	"github.com/printflow-ai/printflow/pkg/ams"
)

// reportMessage is one inbound status document. Every field is optional:
// the device pushes diffs, so absent fields must leave the snapshot
// untouched.
type reportMessage struct {
	Print  *printReport  `json:"print"`
	System *systemReport `json:"system"`
}

type printReport struct {
	GcodeState      *string       `json:"gcode_state"`
	BedTemper       *float64      `json:"bed_temper"`
	BedTargetTemper *float64      `json:"bed_target_temper"`
	NozzleTemper    *float64      `json:"nozzle_temper"`
	NozzleTarget    *float64      `json:"nozzle_target_temper"`
	ChamberTemper   *float64      `json:"chamber_temper"`
	ChamberTarget   *float64      `json:"chamber_target_temper"`
	Percent         *int          `json:"mc_percent"`
	LayerNum        *int          `json:"layer_num"`
	TotalLayerNum   *int          `json:"total_layer_num"`
	SpeedLevel      *int          `json:"spd_lvl"`
	CoolingFan      *string       `json:"cooling_fan_speed"`
	AuxFan          *string       `json:"big_fan1_speed"`
	ChamberFan      *string       `json:"big_fan2_speed"`
	WifiSignal      *string       `json:"wifi_signal"`
	PrintError      *int          `json:"print_error"`
	ErrorMessage    *string       `json:"mc_print_error_message"`
	AMS             *amsReport    `json:"ams"`
	Lights          []lightReport `json:"lights_report"`
}

type systemReport struct {
	LedMode *string `json:"led_mode"`
}

type lightReport struct {
	Node string `json:"node"`
	Mode string `json:"mode"`
}

type amsReport struct {
	Units []amsUnitReport `json:"ams"`
}

type amsUnitReport struct {
	ID    intString       `json:"id"`
	Trays []amsTrayReport `json:"tray"`
}

type amsTrayReport struct {
	ID        intString `json:"id"`
	TrayType  string    `json:"tray_type"`
	TrayColor string    `json:"tray_color"`
	Remain    int       `json:"remain"`
}

// intString tolerates numeric fields the device reports as strings
type intString int

func (v *intString) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*v = intString(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var parsed int
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil
		}
		parsed = parsed*10 + int(r-'0')
	}
	*v = intString(parsed)
	return nil
}

// parseState maps device gcode states onto the client state machine
func parseState(gcode string) State {
	switch gcode {
	case "IDLE":
		return StateIdle
	case "PREPARE", "SLICING":
		return StatePreparing
	case "RUNNING":
		return StatePrinting
	case "PAUSE":
		return StatePaused
	case "FINISH":
		return StateFinished
	case "FAILED":
		return StateError
	default:
		return StateIdle
	}
}

// merge applies a partial report onto the snapshot, field by field. Fields
// absent from the message are left unchanged.
func merge(status *Status, msg *reportMessage) {
	if msg.Print != nil {
		mergePrint(status, msg.Print)
	}
	if msg.System != nil && msg.System.LedMode != nil {
		status.LightMode = *msg.System.LedMode
	}
	status.UpdatedAt = time.Now()
}

func mergePrint(status *Status, p *printReport) {
	if p.GcodeState != nil {
		status.State = parseState(*p.GcodeState)
	}
	if p.BedTemper != nil {
		status.Bed.Actual = *p.BedTemper
	}
	if p.BedTargetTemper != nil {
		status.Bed.Target = *p.BedTargetTemper
	}
	if p.NozzleTemper != nil {
		status.Nozzle.Actual = *p.NozzleTemper
	}
	if p.NozzleTarget != nil {
		status.Nozzle.Target = *p.NozzleTarget
	}
	if p.ChamberTemper != nil {
		status.Chamber.Actual = *p.ChamberTemper
	}
	if p.ChamberTarget != nil {
		status.Chamber.Target = *p.ChamberTarget
	}
	if p.Percent != nil {
		status.Percent = *p.Percent
	}
	if p.LayerNum != nil {
		status.Layer = *p.LayerNum
	}
	if p.TotalLayerNum != nil {
		status.TotalLayers = *p.TotalLayerNum
	}
	if p.SpeedLevel != nil {
		status.SpeedLevel = *p.SpeedLevel
	}
	if p.CoolingFan != nil {
		status.Fans.Part = fanPercent(*p.CoolingFan)
	}
	if p.AuxFan != nil {
		status.Fans.Aux = fanPercent(*p.AuxFan)
	}
	if p.ChamberFan != nil {
		status.Fans.Chamber = fanPercent(*p.ChamberFan)
	}
	if p.WifiSignal != nil {
		status.WifiSignal = *p.WifiSignal
	}
	if p.PrintError != nil {
		status.ErrorCode = *p.PrintError
		if *p.PrintError != 0 && status.State != StateError {
			status.State = StateError
		}
	}
	if p.ErrorMessage != nil {
		status.ErrorMessage = *p.ErrorMessage
	}
	if p.AMS != nil {
		status.AMS = convertAMS(p.AMS)
	}
	if len(p.Lights) > 0 {
		status.LightMode = p.Lights[0].Mode
	}
}

// fanPercent converts the device's 0-15 fan gears to a percentage
func fanPercent(raw string) int {
	var gear int
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		gear = gear*10 + int(r-'0')
	}
	if gear > 15 {
		if gear > 100 {
			gear = 100
		}
		return gear
	}
	return gear * 100 / 15
}

func convertAMS(report *amsReport) []ams.Unit {
	units := make([]ams.Unit, 0, len(report.Units))
	for _, u := range report.Units {
		unit := ams.Unit{ID: int(u.ID)}
		for _, t := range u.Trays {
			tray := ams.Tray{Index: int(t.ID)}
			if t.TrayType != "" || t.TrayColor != "" {
				tray.Filament = &ams.Filament{
					Color:     t.TrayColor,
					Material:  t.TrayType,
					Remaining: t.Remain,
				}
			}
			unit.Trays = append(unit.Trays, tray)
		}
		units = append(units, unit)
	}
	return units
}
