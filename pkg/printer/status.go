package printer

import (
	"time"

	"github.com/printflow-ai/printflow/pkg/ams"
)

// State is the device's operational state as last reported
type State string

const (
	StateOffline   State = "offline"
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StatePrinting  State = "printing"
	StatePaused    State = "paused"
	StateFinished  State = "finished"
	StateError     State = "error"
)

// Temperature pairs an actual reading with its target
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// FanSpeeds holds the reported fan duty percentages
type FanSpeeds struct {
	Part    int `json:"part"`
	Aux     int `json:"aux"`
	Chamber int `json:"chamber"`
}

// Status is the canonical snapshot of last-known device state. It is owned
// and mutated exclusively by the client's listener; everyone else reads a
// copy.
type Status struct {
	State        State       `json:"state"`
	Bed          Temperature `json:"bed"`
	Nozzle       Temperature `json:"nozzle"`
	Chamber      Temperature `json:"chamber"`
	Percent      int         `json:"percent"`
	Layer        int         `json:"layer"`
	TotalLayers  int         `json:"totalLayers"`
	SpeedLevel   int         `json:"speedLevel"`
	Fans         FanSpeeds   `json:"fans"`
	AMS          []ams.Unit  `json:"ams"`
	WifiSignal   string      `json:"wifiSignal"`
	LightMode    string      `json:"lightMode"`
	ErrorCode    int         `json:"errorCode"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand outside the listener
func (s Status) Clone() Status {
	c := s
	if s.AMS != nil {
		c.AMS = make([]ams.Unit, len(s.AMS))
		for i, u := range s.AMS {
			cu := u
			cu.Trays = make([]ams.Tray, len(u.Trays))
			for k, t := range u.Trays {
				ct := t
				if t.Filament != nil {
					f := *t.Filament
					ct.Filament = &f
				}
				cu.Trays[k] = ct
			}
			c.AMS[i] = cu
		}
	}
	return c
}
