package main

import (
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"dualstep/controller"
)

// Script is a timed sequence of inputs for a simulated run.
type Script struct {
	Duration time.Duration `yaml:"duration"`
	Steps    []Step        `yaml:"steps"`
}

// Step is one input. Exactly one of Command and EStop is set.
type Step struct {
	At      time.Duration `yaml:"at"`
	Command string        `yaml:"command"`
	Channel int           `yaml:"channel"`
	All     bool          `yaml:"all"`
	Param   float64       `yaml:"param"`
	EStop   string        `yaml:"estop"`
}

// command converts the step into a controller command.
func (s Step) command() (controller.Command, error) {
	kind, ok := controller.ParseCommandKind(s.Command)
	if !ok {
		return controller.Command{}, errors.Errorf("unknown command %q", s.Command)
	}
	cmd := controller.Command{Channel: s.Channel, Kind: kind, Param: s.Param}
	if s.All {
		cmd.Channel = controller.AllChannels
	}
	return cmd, nil
}

// ParseScript decodes and checks a YAML script. Steps are returned in time
// order; steps at the same time keep their written order.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "script: parse")
	}
	for i, st := range s.Steps {
		if st.At < 0 {
			return nil, errors.Errorf("script: steps[%d]: negative time %v", i, st.At)
		}
		switch {
		case st.EStop != "" && st.Command != "":
			return nil, errors.Errorf("script: steps[%d]: both command and estop", i)
		case st.EStop != "":
			if st.EStop != "press" && st.EStop != "release" {
				return nil, errors.Errorf("script: steps[%d]: estop %q", i, st.EStop)
			}
		default:
			if _, err := st.command(); err != nil {
				return nil, errors.Wrapf(err, "script: steps[%d]", i)
			}
		}
	}
	sort.SliceStable(s.Steps, func(i, j int) bool { return s.Steps[i].At < s.Steps[j].At })
	if n := len(s.Steps); n > 0 && s.Duration < s.Steps[n-1].At {
		s.Duration = s.Steps[n-1].At
	}
	return &s, nil
}

// LoadScript reads the script at path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "script: read %s", path)
	}
	return ParseScript(data)
}
