package multiwriters

import (
	"fmt"
	"strings"
	"time"
)

// SecondColumnFamily is the column family created by the multi column family scenarios.
const SecondColumnFamily = "second"

// WorkerKind selects what the second worker of a run does.
type WorkerKind int8

const (
	// NonDurableWriter puts with the WAL bypassed.
	NonDurableWriter WorkerKind = iota
	// MultiGetReader issues batched point lookups.
	MultiGetReader
	// PropertyReader queries engine introspection properties.
	PropertyReader
)

func (k WorkerKind) String() string {
	switch k {
	case NonDurableWriter:
		return "non-durable-writer"
	case MultiGetReader:
		return "multiget-reader"
	case PropertyReader:
		return "property-reader"
	default:
		return fmt.Sprintf("WorkerKind(%d)", int8(k))
	}
}

// Scenario describes the shape of a run.
type Scenario struct {
	Name string

	// MultiColumnFamily creates SecondColumnFamily at setup and routes
	// the second worker to it.
	MultiColumnFamily bool

	// FlushEveryWrite makes the durable writer wait for a flush after each put.
	FlushEveryWrite bool

	// Second is the behavior of the second worker.
	Second WorkerKind

	// DefaultDuration is the run time used when none is configured.
	DefaultDuration time.Duration
}

var (
	// MultiWriters races a durable and a non-durable writer on the default column family.
	MultiWriters = Scenario{
		Name:            "multi-writers",
		Second:          NonDurableWriter,
		DefaultDuration: 10 * time.Second,
	}

	// ColumnFamilyWriters flushes every durable write on the default column family
	// while non-durable writes go to the second one.
	ColumnFamilyWriters = Scenario{
		Name:              "cf-writers",
		MultiColumnFamily: true,
		FlushEveryWrite:   true,
		Second:            NonDurableWriter,
		DefaultDuration:   10 * time.Second,
	}

	// ColumnFamilyReaders flushes every durable write while a reader
	// multi-gets across both column families.
	ColumnFamilyReaders = Scenario{
		Name:              "cf-readers",
		MultiColumnFamily: true,
		FlushEveryWrite:   true,
		Second:            MultiGetReader,
		DefaultDuration:   60 * time.Second,
	}

	// ColumnFamilyProperties flushes every durable write while a reader
	// polls memtable properties of both column families.
	ColumnFamilyProperties = Scenario{
		Name:              "cf-properties",
		MultiColumnFamily: true,
		FlushEveryWrite:   true,
		Second:            PropertyReader,
		DefaultDuration:   10 * time.Second,
	}
)

// Scenarios lists the predefined scenarios.
var Scenarios = []Scenario{MultiWriters, ColumnFamilyWriters, ColumnFamilyReaders, ColumnFamilyProperties}

// ParseScenario returns the predefined scenario called name.
func ParseScenario(name string) (Scenario, error) {
	for _, s := range Scenarios {
		if s.Name == name {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w %q, want one of %s", ErrUnknownScenario, name, strings.Join(ScenarioNames(), ", "))
}

// ScenarioNames returns the names of the predefined scenarios.
func ScenarioNames() []string {
	names := make([]string, len(Scenarios))
	for i, s := range Scenarios {
		names[i] = s.Name
	}
	return names
}

// readsEnabled reports whether the report carries the read columns.
func (s Scenario) readsEnabled() bool {
	return s.Second != NonDurableWriter
}

// secondColumnFamily is where the second worker is routed.
func (s Scenario) secondColumnFamily() string {
	if s.MultiColumnFamily {
		return SecondColumnFamily
	}
	return primaryColumnFamily
}
