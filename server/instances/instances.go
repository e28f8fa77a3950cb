// Package instances keeps track of the YOLO models that clients have created.
//
// Each instance ID moves through these states:
//
//	absent -> placeholder -> loading -> loaded
//	                            |
//	                            +----> placeholder (load failed)
//
// A placeholder exists so that a client can create an ID before it decides which model to load.
package instances

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/pkg/yolo"
)

var ErrInstanceNotFound = errors.New("instance not found")
var ErrLoadInProgress = errors.New("model is already loading")
var ErrNotLoaded = errors.New("model not loaded")

// BuildFunc creates a model. It is called without any locks held, because loading a model is slow.
type BuildFunc func() (*yolo.YOLO, error)

type State string

const (
	StatePlaceholder State = "placeholder"
	StateLoading     State = "loading"
	StateLoaded      State = "loaded"
)

// Options are whatever the client asked for when it loaded the instance.
// We keep them only for reporting.
type Options struct {
	ModelPath string `json:"modelPath"`
	Task      string `json:"task"`
}

// Info describes an instance, for listing
type Info struct {
	ID      string  `json:"instanceId"`
	State   State   `json:"state"`
	Options Options `json:"options"`
}

type instance struct {
	model   *yolo.YOLO // nil until loaded
	loading bool
	options *Options
}

// Manager owns all model instances
type Manager struct {
	log       logs.Log
	lock      sync.Mutex
	instances map[string]*instance
}

func NewManager(log logs.Log) *Manager {
	return &Manager{
		log:       log,
		instances: map[string]*instance{},
	}
}

// Create establishes a placeholder for id. If id already exists, this is a no-op.
func (m *Manager) Create(id string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.createLocked(id)
}

func (m *Manager) createLocked(id string) *instance {
	if inst, ok := m.instances[id]; ok {
		return inst
	}
	inst := &instance{}
	m.instances[id] = inst
	return inst
}

// Load builds a model for id, unless one is already loaded.
// If id does not exist yet, a placeholder is created first.
// Returns ErrLoadInProgress if another load for the same id is in flight.
func (m *Manager) Load(id string, options Options, build BuildFunc) error {
	return m.load(id, options, build, false)
}

// Swap replaces the model of a loaded instance.
// The old model is closed once the new one has been installed.
func (m *Manager) Swap(id string, options Options, build BuildFunc) error {
	return m.load(id, options, build, true)
}

func (m *Manager) load(id string, options Options, build BuildFunc, replace bool) error {
	m.lock.Lock()
	var inst *instance
	if replace {
		var ok bool
		inst, ok = m.instances[id]
		if !ok {
			m.lock.Unlock()
			return fmt.Errorf("%w: %v", ErrInstanceNotFound, id)
		}
	} else {
		inst = m.createLocked(id)
	}
	if inst.loading {
		m.lock.Unlock()
		return fmt.Errorf("%w: %v", ErrLoadInProgress, id)
	}
	if inst.model != nil && !replace {
		m.lock.Unlock()
		return nil
	}
	inst.loading = true
	prevOptions := inst.options
	inst.options = &options
	m.lock.Unlock()

	m.log.Infof("Loading model %v for instance %v", options.ModelPath, id)
	model, err := build()

	m.lock.Lock()
	defer m.lock.Unlock()
	inst.loading = false
	if err != nil {
		// A failed swap leaves the previous model in place
		inst.options = prevOptions
		if inst.model == nil {
			inst.options = nil
		}
		m.log.Warnf("Failed to load model %v for instance %v: %v", options.ModelPath, id, err)
		return err
	}
	if m.instances[id] != inst {
		// Removed while we were loading
		m.log.Infof("Instance %v was removed during load, discarding model", id)
		model.Close()
		return fmt.Errorf("%w: %v was removed during load", ErrInstanceNotFound, id)
	}
	old := inst.model
	inst.model = model
	if old != nil {
		old.Close()
	}
	return nil
}

// Remove deletes the instance, and closes its model. A load in flight will discard its result.
// Returns false if the instance did not exist.
func (m *Manager) Remove(id string) bool {
	m.lock.Lock()
	inst, ok := m.instances[id]
	var model *yolo.YOLO
	if ok {
		model = inst.model
		delete(m.instances, id)
	}
	m.lock.Unlock()
	if model != nil {
		model.Close()
	}
	return ok
}

// Get returns the loaded model of an instance
func (m *Manager) Get(id string) (*yolo.YOLO, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInstanceNotFound, id)
	}
	if inst.model == nil {
		if inst.loading {
			return nil, fmt.Errorf("%w: %v", ErrLoadInProgress, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotLoaded, id)
	}
	return inst.model, nil
}

// Exists returns true if there is an instance (in any state) with the given id
func (m *Manager) Exists(id string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.instances[id]
	return ok
}

// List returns all instances, sorted by ID
func (m *Manager) List() []Info {
	m.lock.Lock()
	defer m.lock.Unlock()
	list := make([]Info, 0, len(m.instances))
	for id, inst := range m.instances {
		info := Info{ID: id, State: StatePlaceholder}
		if inst.options != nil {
			info.Options = *inst.options
		}
		if inst.loading {
			info.State = StateLoading
		} else if inst.model != nil {
			info.State = StateLoaded
		}
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

// Close removes all instances
func (m *Manager) Close() {
	m.lock.Lock()
	all := m.instances
	m.instances = map[string]*instance{}
	m.lock.Unlock()
	for _, inst := range all {
		if inst.model != nil {
			inst.model.Close()
		}
	}
}
