// Package playbook runs a YAML list of tasks through the hypervstate
// modules.
//
// A task file looks like this:
//
//	- name: create web01
//	  hyperv_guest:
//	    name: web01
//	    new_vhdx: true
//	- name: start web01
//	  check_mode: true
//	  hyperv_guest_powerstate:
//	    name: web01
//	    state: started
//
// Each task names exactly one module. Options a module does not know
// are rejected.
package playbook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/kuttiproject/hypervstate"
	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type moduleFunc func(ctx context.Context, vd *hypervstate.Driver, params *yaml.Node) (hypervstate.Result, error)

func module[P any, R hypervstate.Result](op func(*hypervstate.Driver, context.Context, P) (R, error)) moduleFunc {
	return func(ctx context.Context, vd *hypervstate.Driver, node *yaml.Node) (hypervstate.Result, error) {
		var params P
		if err := decodeStrict(node, &params); err != nil {
			return nil, err
		}

		result, err := op(vd, ctx, params)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

var modules = map[string]moduleFunc{
	"hyperv_guest":               module((*hypervstate.Driver).Guest),
	"hyperv_disk":                module((*hypervstate.Driver).Disk),
	"hyperv_guest_powerstate":    module((*hypervstate.Driver).PowerState),
	"hyperv_guest_customization": module((*hypervstate.Driver).Customize),
	"hyperv_guest_dvddrive":      module((*hypervstate.Driver).DvdDrive),
	"hyperv_guest_vlan":          module((*hypervstate.Driver).Vlan),
}

// Modules returns the names of the modules a task can use.
func Modules() []string {
	result := make([]string, 0, len(modules))
	for name := range modules {
		result = append(result, name)
	}
	sort.Strings(result)

	return result
}

// decodeStrict decodes a module's options into params, failing on
// options that params does not have.
func decodeStrict(node *yaml.Node, params interface{}) error {
	if node == nil || node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return errors.Errorf("line %d: module options must be a mapping", node.Line)
	}

	encoded, err := yaml.Marshal(node)
	if err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(encoded))
	decoder.KnownFields(true)
	err = decoder.Decode(params)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "invalid module options")
	}

	return nil
}

// Task is one entry of a task file.
type Task struct {
	Name string
	// CheckMode overrides the check mode of the run, if set.
	CheckMode *bool
	Module    string

	params yaml.Node
	line   int
}

func (t Task) label() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("%s (line %d)", t.Module, t.line)
}

// Parse reads a task file.
func Parse(r io.Reader) ([]Task, error) {
	var document yaml.Node

	err := yaml.NewDecoder(r).Decode(&document)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not parse task file")
	}

	list := &document
	if list.Kind == yaml.DocumentNode && len(list.Content) == 1 {
		list = list.Content[0]
	}
	if list.Kind != yaml.SequenceNode {
		return nil, errors.Errorf("line %d: task file must be a list of tasks", list.Line)
	}

	result := make([]Task, 0, len(list.Content))
	for _, item := range list.Content {
		task, err := parseTask(item)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}

	return result, nil
}

func parseTask(item *yaml.Node) (Task, error) {
	task := Task{line: item.Line}

	if item.Kind != yaml.MappingNode {
		return task, errors.Errorf("line %d: a task must be a mapping", item.Line)
	}

	for i := 0; i+1 < len(item.Content); i += 2 {
		key, value := item.Content[i], item.Content[i+1]

		switch key.Value {
		case "name":
			if err := value.Decode(&task.Name); err != nil {
				return task, errors.Wrapf(err, "line %d: invalid name", key.Line)
			}
		case "check_mode":
			var checkmode bool
			if err := value.Decode(&checkmode); err != nil {
				return task, errors.Wrapf(err, "line %d: invalid check_mode", key.Line)
			}
			task.CheckMode = &checkmode
		default:
			if _, ok := modules[key.Value]; !ok {
				return task, errors.Errorf("line %d: unknown module or task option %q", key.Line, key.Value)
			}
			if task.Module != "" {
				return task, errors.Errorf(
					"line %d: a task can use only one module, found %s and %s",
					key.Line,
					task.Module,
					key.Value,
				)
			}
			task.Module = key.Value
			task.params = *value
		}
	}

	if task.Module == "" {
		return task, errors.Errorf("line %d: task does not name a module", item.Line)
	}

	return task, nil
}

// TaskResult reports the outcome of one task.
type TaskResult struct {
	Task    string             `json:"task"`
	Module  string             `json:"module"`
	Changed bool               `json:"changed"`
	Failed  bool               `json:"failed"`
	Msg     string             `json:"msg,omitempty"`
	Result  hypervstate.Result `json:"result,omitempty"`
}

// Runner runs tasks against a provider.
type Runner struct {
	provider  hypervstate.Provider
	checkmode bool
	options   []hypervstate.Option
	drivers   map[bool]*hypervstate.Driver
}

// NewRunner returns a Runner. Every task runs in check mode if
// checkmode is set, unless the task sets check_mode itself.
func NewRunner(provider hypervstate.Provider, checkmode bool, options ...hypervstate.Option) *Runner {
	return &Runner{
		provider:  provider,
		checkmode: checkmode,
		options:   options,
		drivers:   map[bool]*hypervstate.Driver{},
	}
}

func (r *Runner) driver(checkmode bool) *hypervstate.Driver {
	vd, ok := r.drivers[checkmode]
	if !ok {
		options := append([]hypervstate.Option{}, r.options...)
		options = append(options, hypervstate.WithCheckMode(checkmode))
		vd = hypervstate.New(r.provider, options...)
		r.drivers[checkmode] = vd
	}
	return vd
}

// Run runs tasks in order, and stops at the first failure. It returns
// the results of the tasks that ran, and the error of the failed task.
func (r *Runner) Run(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	results := make([]TaskResult, 0, len(tasks))

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		checkmode := r.checkmode
		if task.CheckMode != nil {
			checkmode = *task.CheckMode
		}

		kuttilog.Printf(kuttilog.Info, "TASK [%s]", task.label())

		tr := TaskResult{Task: task.label(), Module: task.Module}
		result, err := modules[task.Module](ctx, r.driver(checkmode), &task.params)
		if err != nil {
			tr.Failed = true
			tr.Msg = err.Error()
			results = append(results, tr)
			kuttilog.Printf(kuttilog.Info, "failed: %v", err)
			return results, errors.Wrapf(err, "task %q failed", task.label())
		}

		tr.Changed = result.HasChanged()
		tr.Result = result
		results = append(results, tr)

		if tr.Changed {
			kuttilog.Printf(kuttilog.Info, "changed")
		} else {
			kuttilog.Printf(kuttilog.Info, "ok")
		}
	}

	return results, nil
}
