package runctx

import (
	"fmt"
	"sort"
)

// OutputKey identifies one published stage output.
type OutputKey struct {
	Stage    string
	Instance string // Job instance ID: "job" or "job.entry"
	Name     string
}

func (k OutputKey) String() string {
	return k.Stage + "." + k.Instance + "." + k.Name
}

// ErrOutputExists is returned when a key is written a second time.
type ErrOutputExists struct {
	Key OutputKey
}

func (e *ErrOutputExists) Error() string {
	return fmt.Sprintf("output %s already published", e.Key)
}

// Outputs is an append-only map of stage outputs. Every key is written at most
// once and never modified. It is not safe for concurrent writers; a run funnels
// all writes through its control loop.
type Outputs struct {
	values map[OutputKey]string
}

// NewOutputs returns an empty output map.
func NewOutputs() *Outputs {
	return &Outputs{values: make(map[OutputKey]string)}
}

// Set publishes a value. Writing an existing key fails.
func (o *Outputs) Set(key OutputKey, value string) error {
	if _, exists := o.values[key]; exists {
		return &ErrOutputExists{Key: key}
	}
	o.values[key] = value
	return nil
}

// Get returns a published value.
func (o *Outputs) Get(key OutputKey) (string, bool) {
	v, ok := o.values[key]
	return v, ok
}

// ForStage returns the outputs of one stage flattened as "instance.name" -> value.
// The returned map is a copy.
func (o *Outputs) ForStage(stage string) map[string]string {
	out := map[string]string{}
	for k, v := range o.values {
		if k.Stage == stage {
			out[k.Instance+"."+k.Name] = v
		}
	}
	return out
}

// Keys returns every published key in a stable order.
func (o *Outputs) Keys() []OutputKey {
	keys := make([]OutputKey, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of published outputs.
func (o *Outputs) Len() int { return len(o.values) }
