// Package coordinator implements the Assignment Coordinator: it turns the
// stored connector configs and the live worker membership into a
// generation-numbered assignment and drives workers through the stop-the-world
// rebalance protocol. See doc.go for the package documentation.
package coordinator

import (
	"hash/fnv"

	"golang.org/x/exp/slices"

	"github.com/dreamware/conveyor/internal/cluster"
)

// Assignment maps each worker id to the tasks it runs in one generation.
// Every member has an entry, possibly empty.
type Assignment map[string][]cluster.TaskID

// Assign distributes tasks over workers deterministically.
//
// Workers are sorted by id and tasks by (connector, index). The tasks of one
// connector are dealt round robin starting at fnv32a(connector) mod n, so a
// connector's tasks land on distinct workers whenever there are enough of
// them and different connectors do not all start on the first worker.
//
// Parameters:
//   - workers: live member ids, in any order
//   - tasks: every task id of the generation, in any order
//
// Returns:
//   - Assignment containing every worker; nil tasks map to an empty result
//     for each worker
//
// Example:
//
//	a := Assign([]string{"w2", "w1"}, ids)
//	owner, _ := a.OwnerOf(cluster.TaskID{Connector: "sink", Task: 0})
func Assign(workers []string, tasks []cluster.TaskID) Assignment {
	sortedWorkers := append([]string(nil), workers...)
	slices.Sort(sortedWorkers)
	sortedWorkers = slices.Compact(sortedWorkers)

	out := make(Assignment, len(sortedWorkers))
	for _, w := range sortedWorkers {
		out[w] = []cluster.TaskID{}
	}
	n := len(sortedWorkers)
	if n == 0 {
		return out
	}

	ids := append([]cluster.TaskID(nil), tasks...)
	cluster.SortTaskIDs(ids)
	for _, id := range ids {
		w := sortedWorkers[(connectorOffset(id.Connector, n)+id.Task)%n]
		out[w] = append(out[w], id)
	}
	return out
}

func connectorOffset(name string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() % uint32(n))
}

// OwnerOf returns the worker a task is assigned to.
func (a Assignment) OwnerOf(id cluster.TaskID) (string, bool) {
	for w, ids := range a {
		if slices.Contains(ids, id) {
			return w, true
		}
	}
	return "", false
}

// Workers returns the worker ids in sorted order.
func (a Assignment) Workers() []string {
	out := make([]string, 0, len(a))
	for w := range a {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

// TaskCount returns the number of assigned tasks.
func (a Assignment) TaskCount() int {
	n := 0
	for _, ids := range a {
		n += len(ids)
	}
	return n
}

// TaskIDs flattens per-connector task specs into sorted task ids.
func TaskIDs(tasks map[string][]cluster.TaskSpec) []cluster.TaskID {
	var out []cluster.TaskID
	for _, specs := range tasks {
		for _, spec := range specs {
			out = append(out, spec.ID)
		}
	}
	cluster.SortTaskIDs(out)
	return out
}
