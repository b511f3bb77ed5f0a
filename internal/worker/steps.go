// ABOUTME: Test step definitions carried in request metadata and their validation
// ABOUTME: Steps are navigate, click, fill, and wait; "url" adds a leading navigate

package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Metadata keys read by the executors.
const (
	MetaURL   = "url"
	MetaSteps = "steps"
)

// Step actions.
const (
	ActionNavigate = "navigate"
	ActionClick    = "click"
	ActionFill     = "fill"
	ActionWait     = "wait"
)

// ErrInvalidSteps indicates request metadata that does not describe runnable steps.
var ErrInvalidSteps = errors.New("invalid steps")

// Step is one browser action.
//
//	navigate: Value is the URL
//	click:    Selector is required
//	fill:     Selector is required, Value is typed in
//	wait:     Selector waits for an element; otherwise Value is a duration ("500ms")
type Step struct {
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// ParseSteps builds the step list for a request from its metadata.
func ParseSteps(metadata map[string]string) ([]Step, error) {
	var steps []Step
	if u := metadata[MetaURL]; u != "" {
		steps = append(steps, Step{Action: ActionNavigate, Value: u})
	}
	if raw := metadata[MetaSteps]; raw != "" {
		var extra []Step
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return nil, fmt.Errorf("%w: decoding steps: %v", ErrInvalidSteps, err)
		}
		steps = append(steps, extra...)
	}
	for i, s := range steps {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidSteps, i+1, err)
		}
	}
	return steps, nil
}

func (s Step) validate() error {
	switch s.Action {
	case ActionNavigate:
		if s.Value == "" {
			return errors.New("navigate needs a url value")
		}
	case ActionClick:
		if s.Selector == "" {
			return errors.New("click needs a selector")
		}
	case ActionFill:
		if s.Selector == "" {
			return errors.New("fill needs a selector")
		}
	case ActionWait:
		if s.Selector == "" {
			if _, err := time.ParseDuration(s.Value); err != nil {
				return fmt.Errorf("wait needs a selector or a duration value: %v", err)
			}
		}
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}
